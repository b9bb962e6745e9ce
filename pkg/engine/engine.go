package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/codegen"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/docsearch"
	"github.com/datachat-dev/datachat/pkg/observability"
	"github.com/datachat-dev/datachat/pkg/research"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
	"github.com/datachat-dev/datachat/pkg/synth"
)

// Classifier labels a message for routing.
type Classifier interface {
	Classify(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error)
}

// Generator produces validated analysis code plus the data preview that
// grounded it.
type Generator interface {
	Generate(ctx context.Context, h *sandbox.Handle, fd api.FileDescriptor, question string) (api.CodeArtifact, []string, error)
}

// Executor runs code in a sandbox.
type Executor interface {
	Execute(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error)
}

// DocumentAnswerer collects attributed document sections for a question.
type DocumentAnswerer interface {
	Answer(ctx context.Context, h *sandbox.Handle, manifest []api.FileDescriptor, question string) ([]docsearch.Section, error)
}

// Synthesizer writes the final answer from labeled sections.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, sections []synth.Section) (string, error)
}

// Researcher answers questions from external sources.
type Researcher interface {
	Available() bool
	Research(ctx context.Context, question string) (string, error)
}

// Deps carries the engine's collaborators. Researcher may be nil when no
// research servers are configured; everything else is required.
type Deps struct {
	Store       session.Store
	Executor    Executor
	Classifier  Classifier
	Generator   Generator
	Documents   DocumentAnswerer
	Synthesizer Synthesizer
	Researcher  Researcher
}

// Config holds engine settings.
type Config struct {
	// ExecTimeout bounds one generated-code execution.
	ExecTimeout time.Duration

	// TurnTimeout bounds one whole chat turn. A turn survives client
	// disconnect and runs against this budget instead.
	TurnTimeout time.Duration
}

// Engine routes chat turns. Safe for concurrent use; per-session ordering
// comes from the store's session lock.
type Engine struct {
	deps        Deps
	execTimeout time.Duration
	turnTimeout time.Duration
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	for name, dep := range map[string]any{
		"store":       deps.Store,
		"executor":    deps.Executor,
		"classifier":  deps.Classifier,
		"generator":   deps.Generator,
		"documents":   deps.Documents,
		"synthesizer": deps.Synthesizer,
	} {
		if dep == nil {
			return nil, fmt.Errorf("engine: %s must not be nil", name)
		}
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	return &Engine{deps: deps, execTimeout: cfg.ExecTimeout, turnTimeout: cfg.TurnTimeout}, nil
}

// Chat processes one message for one session.
func (e *Engine) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, api.NewInvalidRequestError("message", "message is required")
	}
	if req.SessionID == "" {
		return nil, api.NewInvalidRequestError("session_id", "session_id is required")
	}

	// The turn keeps going if the client disconnects: aborting a model call
	// or a sandbox execution mid-flight leaves the session in an unknown
	// state, and the result is cheap to discard at the HTTP layer. The turn
	// budget bounds the detached work instead of the request context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.turnTimeout)
	defer cancel()

	// Store access goes through the identity-scoped key; the raw session
	// ID stays in chart URLs and responses.
	sid := session.ScopedID(ctx, req.SessionID)

	unlock := e.deps.Store.Lock(sid)
	defer unlock()

	manifest, err := e.deps.Store.Manifest(ctx, sid)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, err
		}
		// A chat can arrive before any upload creates the session.
		manifest = nil
	}

	classification, err := e.deps.Classifier.Classify(ctx, req.Message, manifest)
	if err != nil {
		return nil, err
	}
	debug.Log("engine", "message classified", "session_id", req.SessionID, "kind", classification.Kind, "raw", classification.RawLabel)

	switch classification.Kind {
	case api.QueryKindTabular:
		return e.chatTabular(ctx, req, sid, manifest)
	case api.QueryKindDocument:
		resp, err := e.chatDocument(ctx, req, sid, manifest)
		if errors.Is(err, session.ErrNoDocuments) {
			return e.chatResearch(ctx, req)
		}
		return resp, err
	default:
		return e.chatResearch(ctx, req)
	}
}

// chatTabular generates code against the newest tabular file, executes it,
// and explains the verified output.
func (e *Engine) chatTabular(ctx context.Context, req *api.ChatRequest, sid string, manifest []api.FileDescriptor) (*api.ChatResponse, error) {
	fd, ok := latestTabular(manifest)
	if !ok {
		return nil, api.NewInvalidRequestError("message", "no tabular data uploaded for this session")
	}

	h, err := e.deps.Store.GetOrCreateSandbox(ctx, sid)
	if err != nil {
		return nil, err
	}

	artifact, preview, err := e.deps.Generator.Generate(ctx, h, fd, req.Message)
	if err != nil {
		return nil, e.mapSandboxError(ctx, sid, err)
	}

	start := time.Now()
	result, err := e.deps.Executor.Execute(ctx, h, artifact.Source, e.execTimeout)
	if err != nil {
		return nil, e.mapSandboxError(ctx, sid, err)
	}
	observability.SandboxExecutionsTotal.WithLabelValues("code", string(result.Status)).Inc()
	observability.SandboxExecutionDuration.WithLabelValues("code").Observe(time.Since(start).Seconds())

	if result.Status == api.ExecStatusTimeout {
		// The interpreter may be wedged mid-loop; the sandbox cannot be
		// trusted for the next query.
		e.invalidate(ctx, sid)
		return nil, api.NewSandboxTimeoutError(fmt.Sprintf("execution exceeded %s", e.execTimeout))
	}

	// Preview sections come first in the transcript: the reader sees what
	// the code was grounded on before what it printed.
	output := append([]string{}, preview...)
	output = append(output, result.StdoutSections...)
	if result.Status == api.ExecStatusRuntimeError {
		output = append(output, "Execution failed:\n"+strings.TrimSpace(result.Stderr))
	}

	resp := &api.ChatResponse{
		HasCode:         true,
		Code:            artifact.Source,
		ExecutionOutput: output,
		Charts:          chartRefs(req.SessionID, result.ChartFiles),
	}

	sections := make([]synth.Section, 0, len(output))
	for _, sec := range output {
		sections = append(sections, synth.Section{Label: "Execution output", Text: sec})
	}
	answer, synthErr := e.deps.Synthesizer.Synthesize(ctx, req.Message, sections)
	if synthErr != nil {
		debug.Log("engine", "synthesis failed, degrading to raw output", "error", synthErr)
		answer = strings.Join(result.StdoutSections, "\n\n")
	}
	resp.Response = answer
	return resp, nil
}

// chatDocument answers from uploaded documents. Returns
// session.ErrNoDocuments untouched so the caller can fall back to research.
func (e *Engine) chatDocument(ctx context.Context, req *api.ChatRequest, sid string, manifest []api.FileDescriptor) (*api.ChatResponse, error) {
	h, err := e.deps.Store.GetOrCreateSandbox(ctx, sid)
	if err != nil {
		return nil, err
	}

	docSections, err := e.deps.Documents.Answer(ctx, h, manifest, req.Message)
	if err != nil {
		if errors.Is(err, session.ErrNoDocuments) {
			return nil, err
		}
		return nil, e.mapSandboxError(ctx, sid, err)
	}

	sections := make([]synth.Section, 0, len(docSections))
	for _, sec := range docSections {
		sections = append(sections, synth.Section{Label: "Document: " + sec.Source, Text: sec.Text})
	}

	answer, synthErr := e.deps.Synthesizer.Synthesize(ctx, req.Message, sections)
	if synthErr != nil {
		debug.Log("engine", "synthesis failed, degrading to raw sections", "error", synthErr)
		var b strings.Builder
		for _, sec := range docSections {
			fmt.Fprintf(&b, "From %s:\n%s\n\n", sec.Source, sec.Text)
		}
		answer = strings.TrimSpace(b.String())
	}

	return &api.ChatResponse{
		Response:        answer,
		ExecutionOutput: []string{},
		Charts:          []api.ChartRef{},
	}, nil
}

func (e *Engine) chatResearch(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	if e.deps.Researcher == nil || !e.deps.Researcher.Available() {
		return nil, api.NewServerError("research is not configured on this server")
	}
	answer, err := e.deps.Researcher.Research(ctx, req.Message)
	if err != nil {
		if errors.Is(err, research.ErrNotConfigured) {
			return nil, api.NewServerError("research is not configured on this server")
		}
		return nil, err
	}
	return &api.ChatResponse{
		Response:        answer,
		ExecutionOutput: []string{},
		Charts:          []api.ChartRef{},
	}, nil
}

// mapSandboxError converts sandbox failures to API errors, invalidating
// the session's handle when the sandbox is gone or timed out. A timeout
// during the preview or syntax probe wedges the interpreter the same way a
// timeout of the main execution does.
func (e *Engine) mapSandboxError(ctx context.Context, sessionID string, err error) error {
	var apiErr *api.APIError
	switch {
	case sandbox.IsUnreachable(err):
		e.invalidate(ctx, sessionID)
		return api.NewSandboxUnreachableError("sandbox became unreachable; a new one will be created for the next query")
	case errors.As(err, &apiErr) && apiErr.Type == api.ErrorTypeSandboxTimeout:
		e.invalidate(ctx, sessionID)
		return err
	case errors.Is(err, codegen.ErrCodeGeneration):
		return api.NewCodeGenerationError(err.Error())
	default:
		return err
	}
}

func (e *Engine) invalidate(ctx context.Context, sessionID string) {
	if err := e.deps.Store.Invalidate(ctx, sessionID); err != nil {
		debug.Log("engine", "invalidate failed", "session_id", sessionID, "error", err)
	}
}

// latestTabular returns the most recently registered tabular file.
func latestTabular(manifest []api.FileDescriptor) (api.FileDescriptor, bool) {
	for i := len(manifest) - 1; i >= 0; i-- {
		if manifest[i].Kind == api.FileKindTabular {
			return manifest[i], true
		}
	}
	return api.FileDescriptor{}, false
}

func chartRefs(sessionID string, files []string) []api.ChartRef {
	refs := make([]api.ChartRef, 0, len(files))
	for _, name := range files {
		refs = append(refs, api.ChartRef{
			Filename: name,
			URL:      "/api/charts/" + name + "?session_id=" + sessionID,
		})
	}
	return refs
}
