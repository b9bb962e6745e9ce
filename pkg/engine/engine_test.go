package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/auth"
	"github.com/datachat-dev/datachat/pkg/codegen"
	"github.com/datachat-dev/datachat/pkg/docsearch"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
	"github.com/datachat-dev/datachat/pkg/synth"
)

type fakeStore struct {
	manifest    []api.FileDescriptor
	manifestErr error
	invalidated int
	locked      int
	keys        []string
}

func (f *fakeStore) GetOrCreateSandbox(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	f.keys = append(f.keys, sessionID)
	return &sandbox.Handle{ID: "sbx_1", BaseURL: "http://sandbox.invalid", Release: func() {}}, nil
}

func (f *fakeStore) Invalidate(ctx context.Context, sessionID string) error {
	f.invalidated++
	return nil
}

func (f *fakeStore) RegisterFile(ctx context.Context, sessionID string, fd api.FileDescriptor) error {
	f.manifest = append(f.manifest, fd)
	return nil
}

func (f *fakeStore) Manifest(ctx context.Context, sessionID string) ([]api.FileDescriptor, error) {
	f.keys = append(f.keys, sessionID)
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return f.manifest, nil
}

func (f *fakeStore) Lock(sessionID string) func() {
	f.locked++
	f.keys = append(f.keys, sessionID)
	return func() {}
}

func (f *fakeStore) Close(ctx context.Context, sessionID string) error { return nil }
func (f *fakeStore) HealthCheck(ctx context.Context) error             { return nil }
func (f *fakeStore) Shutdown(ctx context.Context) error                { return nil }

type fakeClassifier struct {
	kind api.QueryKind
	err  error
}

func (f *fakeClassifier) Classify(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error) {
	if f.err != nil {
		return api.QueryClassification{}, f.err
	}
	return api.QueryClassification{Kind: f.kind, RawLabel: string(f.kind)}, nil
}

type classifierFunc func(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error)

func (f classifierFunc) Classify(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error) {
	return f(ctx, message, manifest)
}

type fakeGenerator struct {
	artifact api.CodeArtifact
	preview  []string
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, h *sandbox.Handle, fd api.FileDescriptor, question string) (api.CodeArtifact, []string, error) {
	if f.err != nil {
		return api.CodeArtifact{}, nil, f.err
	}
	return f.artifact, f.preview, nil
}

type fakeExecutor struct {
	result *api.ExecutionResult
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type executorFunc func(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error)

func (f executorFunc) Execute(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error) {
	return f(ctx, h, code, timeout)
}

type fakeDocs struct {
	sections []docsearch.Section
	err      error
}

func (f *fakeDocs) Answer(ctx context.Context, h *sandbox.Handle, manifest []api.FileDescriptor, question string) ([]docsearch.Section, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sections, nil
}

type fakeSynth struct {
	answer   string
	err      error
	sections []synth.Section
}

func (f *fakeSynth) Synthesize(ctx context.Context, question string, sections []synth.Section) (string, error) {
	f.sections = sections
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeResearcher struct {
	available bool
	answer    string
	err       error
}

func (f *fakeResearcher) Available() bool { return f.available }

func (f *fakeResearcher) Research(ctx context.Context, question string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func tabularManifest() []api.FileDescriptor {
	return []api.FileDescriptor{
		{Filename: "old.csv", Kind: api.FileKindTabular, SandboxPath: "docs/old.csv"},
		{Filename: "report.pdf", Kind: api.FileKindDocument, SandboxPath: "docs/report.pdf"},
		{Filename: "sales.csv", Kind: api.FileKindTabular, SandboxPath: "docs/sales.csv"},
	}
}

func newEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	if deps.Executor == nil {
		deps.Executor = &fakeExecutor{result: &api.ExecutionResult{Status: api.ExecStatusSuccess, StdoutSections: []string{"ok"}}}
	}
	if deps.Classifier == nil {
		deps.Classifier = &fakeClassifier{kind: api.QueryKindResearch}
	}
	if deps.Generator == nil {
		deps.Generator = &fakeGenerator{}
	}
	if deps.Documents == nil {
		deps.Documents = &fakeDocs{}
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = &fakeSynth{answer: "answer"}
	}
	e, err := New(deps, Config{ExecTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func chat(t *testing.T, e *Engine, message string) (*api.ChatResponse, error) {
	t.Helper()
	return e.Chat(context.Background(), &api.ChatRequest{Message: message, SessionID: "sess-1"})
}

func TestChatValidation(t *testing.T) {
	e := newEngine(t, Deps{})

	_, err := e.Chat(context.Background(), &api.ChatRequest{Message: " ", SessionID: "s"})
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("empty message: expected invalid_request, got %v", err)
	}

	_, err = e.Chat(context.Background(), &api.ChatRequest{Message: "hi"})
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("missing session: expected invalid_request, got %v", err)
	}
}

func TestChatTabularSuccess(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	synthesizer := &fakeSynth{answer: "The west region leads."}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator: &fakeGenerator{
			artifact: api.CodeArtifact{Source: "print(df.head())", ExtractionMethod: "tagged_fence", Validated: true},
			preview:  []string{"Data types:\nregion object", "Shape: (100, 4)"},
		},
		Executor: &fakeExecutor{result: &api.ExecutionResult{
			Status:         api.ExecStatusSuccess,
			StdoutSections: []string{"region west"},
			ChartFiles:     []string{"chart.png"},
		}},
		Synthesizer: synthesizer,
	})

	resp, err := chat(t, e, "which region leads?")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !resp.HasCode || resp.Code != "print(df.head())" {
		t.Errorf("expected code in response, got %+v", resp)
	}
	if resp.Response != "The west region leads." {
		t.Errorf("unexpected answer: %q", resp.Response)
	}

	want := []string{"Data types:\nregion object", "Shape: (100, 4)", "region west"}
	if len(resp.ExecutionOutput) != len(want) {
		t.Fatalf("expected %d output sections, got %v", len(want), resp.ExecutionOutput)
	}
	for i, sec := range want {
		if resp.ExecutionOutput[i] != sec {
			t.Errorf("section %d = %q, want %q (preview must precede output)", i, resp.ExecutionOutput[i], sec)
		}
	}

	if len(resp.Charts) != 1 || resp.Charts[0].Filename != "chart.png" {
		t.Fatalf("expected one chart, got %+v", resp.Charts)
	}
	if !strings.Contains(resp.Charts[0].URL, "/api/charts/chart.png") || !strings.Contains(resp.Charts[0].URL, "session_id=sess-1") {
		t.Errorf("unexpected chart URL: %q", resp.Charts[0].URL)
	}
	if store.locked != 1 {
		t.Errorf("expected session lock taken once, got %d", store.locked)
	}
}

func TestChatTabularSynthFailureDegradesToRawOutput(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{manifest: tabularManifest()},
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{artifact: api.CodeArtifact{Source: "print(1)", Validated: true}},
		Executor: &fakeExecutor{result: &api.ExecutionResult{
			Status:         api.ExecStatusSuccess,
			StdoutSections: []string{"raw result"},
		}},
		Synthesizer: &fakeSynth{err: errors.New("model down")},
	})

	resp, err := chat(t, e, "question")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Response != "raw result" {
		t.Errorf("expected degradation to raw output, got %q", resp.Response)
	}
}

func TestChatTabularRuntimeErrorBecomesSection(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{manifest: tabularManifest()},
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{artifact: api.CodeArtifact{Source: "df['missing']", Validated: true}},
		Executor: &fakeExecutor{result: &api.ExecutionResult{
			Status:         api.ExecStatusRuntimeError,
			StdoutSections: []string{},
			Stderr:         "KeyError: 'missing'\n",
		}},
	})

	resp, err := chat(t, e, "question")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !resp.HasCode {
		t.Error("runtime error still carries the generated code")
	}
	last := resp.ExecutionOutput[len(resp.ExecutionOutput)-1]
	if !strings.Contains(last, "Execution failed") || !strings.Contains(last, "KeyError") {
		t.Errorf("expected labeled failure section, got %q", last)
	}
}

func TestChatTabularTimeoutInvalidatesSession(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{artifact: api.CodeArtifact{Source: "while True: pass", Validated: true}},
		Executor:   &fakeExecutor{result: &api.ExecutionResult{Status: api.ExecStatusTimeout, StdoutSections: []string{}}},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeSandboxTimeout {
		t.Fatalf("expected sandbox_timeout, got %v", err)
	}
	if store.invalidated != 1 {
		t.Errorf("expected handle invalidated once, got %d", store.invalidated)
	}
}

func TestChatTabularUnreachableInvalidatesSession(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{artifact: api.CodeArtifact{Source: "print(1)", Validated: true}},
		Executor:   &fakeExecutor{err: fmt.Errorf("sandbox sbx_1 gone: %w", sandbox.ErrUnreachable)},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeSandboxUnreachable {
		t.Fatalf("expected sandbox_unreachable, got %v", err)
	}
	if store.invalidated != 1 {
		t.Errorf("expected handle invalidated once, got %d", store.invalidated)
	}
}

func TestChatGeneratorUnreachableInvalidatesSession(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{err: fmt.Errorf("sandbox sbx_1 gone: %w", sandbox.ErrUnreachable)},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeSandboxUnreachable {
		t.Fatalf("expected sandbox_unreachable, got %v", err)
	}
	if store.invalidated != 1 {
		t.Errorf("expected handle invalidated once, got %d", store.invalidated)
	}
}

func TestChatGeneratorTimeoutInvalidatesSession(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{err: api.NewSandboxTimeoutError("preview execution exceeded 30s")},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeSandboxTimeout {
		t.Fatalf("expected sandbox_timeout, got %v", err)
	}
	if store.invalidated != 1 {
		t.Errorf("expected handle invalidated once, got %d", store.invalidated)
	}
}

func TestChatSurvivesClientDisconnect(t *testing.T) {
	// Every stage observes the context it actually runs under. A cancelled
	// request context must not reach the model or the sandbox.
	checked := 0
	guard := func(ctx context.Context) error {
		checked++
		return ctx.Err()
	}
	e := newEngine(t, Deps{
		Store: &fakeStore{manifest: tabularManifest()},
		Classifier: classifierFunc(func(ctx context.Context, message string, manifest []api.FileDescriptor) (api.QueryClassification, error) {
			if err := guard(ctx); err != nil {
				return api.QueryClassification{}, err
			}
			return api.QueryClassification{Kind: api.QueryKindTabular, RawLabel: "TABULAR"}, nil
		}),
		Generator: &fakeGenerator{artifact: api.CodeArtifact{Source: "print(df.shape)", Validated: true}},
		Executor: executorFunc(func(ctx context.Context, h *sandbox.Handle, code string, timeout time.Duration) (*api.ExecutionResult, error) {
			if err := guard(ctx); err != nil {
				return nil, err
			}
			return &api.ExecutionResult{Status: api.ExecStatusSuccess, StdoutSections: []string{"(100, 4)"}}, nil
		}),
		Synthesizer: &fakeSynth{answer: "100 rows across 4 columns."},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := e.Chat(ctx, &api.ChatRequest{Message: "how big is the data?", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Chat with disconnected client failed: %v", err)
	}
	if resp.Response != "100 rows across 4 columns." {
		t.Errorf("unexpected answer %q", resp.Response)
	}
	if checked != 2 {
		t.Errorf("expected classifier and executor to run, got %d stages", checked)
	}
}

func TestChatStoreKeysScopedToIdentity(t *testing.T) {
	store := &fakeStore{manifest: tabularManifest()}
	e := newEngine(t, Deps{
		Store:      store,
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{artifact: api.CodeArtifact{Source: "print(1)", Validated: true}},
		Executor: &fakeExecutor{result: &api.ExecutionResult{
			Status:         api.ExecStatusSuccess,
			StdoutSections: []string{"ok"},
			ChartFiles:     []string{"chart_1.png"},
		}},
	})

	ctx := auth.SetIdentity(context.Background(), &auth.Identity{Subject: "analyst"})
	resp, err := e.Chat(ctx, &api.ChatRequest{Message: "plot sales", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(store.keys) == 0 {
		t.Fatal("store saw no session keys")
	}
	for _, key := range store.keys {
		if key != "analyst/sess-1" {
			t.Errorf("store key = %q, want %q", key, "analyst/sess-1")
		}
	}
	// The scoping prefix never leaks to the wire: chart URLs carry the
	// client-chosen identifier.
	if len(resp.Charts) != 1 {
		t.Fatalf("expected 1 chart, got %d", len(resp.Charts))
	}
	if got := resp.Charts[0].URL; !strings.Contains(got, "session_id=sess-1") || strings.Contains(got, "analyst") {
		t.Errorf("chart URL %q should carry the raw session ID only", got)
	}
}

func TestChatTabularCodegenExhaustion(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{manifest: tabularManifest()},
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
		Generator:  &fakeGenerator{err: fmt.Errorf("%w: no code found", codegen.ErrCodeGeneration)},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeCodeGeneration {
		t.Fatalf("expected code_generation_error, got %v", err)
	}
}

func TestChatTabularWithoutTabularFiles(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{},
		Classifier: &fakeClassifier{kind: api.QueryKindTabular},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestChatDocumentSuccess(t *testing.T) {
	synthesizer := &fakeSynth{answer: "The report says revenue grew."}
	e := newEngine(t, Deps{
		Store:      &fakeStore{manifest: tabularManifest()},
		Classifier: &fakeClassifier{kind: api.QueryKindDocument},
		Documents: &fakeDocs{sections: []docsearch.Section{
			{Source: "report.pdf", Text: "Revenue grew 12%."},
		}},
		Synthesizer: synthesizer,
	})

	resp, err := chat(t, e, "what does the report say?")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Response != "The report says revenue grew." {
		t.Errorf("unexpected answer: %q", resp.Response)
	}
	if resp.HasCode || len(resp.Charts) != 0 {
		t.Errorf("document answer carries no code or charts: %+v", resp)
	}
	if resp.ExecutionOutput == nil {
		t.Error("execution_output must be an empty array, not null")
	}
	if len(synthesizer.sections) != 1 || synthesizer.sections[0].Label != "Document: report.pdf" {
		t.Errorf("expected attributed section label, got %+v", synthesizer.sections)
	}
}

func TestChatDocumentFallsBackToResearch(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{},
		Classifier: &fakeClassifier{kind: api.QueryKindDocument},
		Documents:  &fakeDocs{err: session.ErrNoDocuments},
		Researcher: &fakeResearcher{available: true, answer: "From the web: 42."},
	})

	resp, err := chat(t, e, "question")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Response != "From the web: 42." {
		t.Errorf("expected research fallback answer, got %q", resp.Response)
	}
}

func TestChatResearchNotConfigured(t *testing.T) {
	e := newEngine(t, Deps{
		Classifier: &fakeClassifier{kind: api.QueryKindResearch},
	})

	_, err := chat(t, e, "question")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeServerError {
		t.Fatalf("expected server_error for unconfigured research, got %v", err)
	}
	if !strings.Contains(apiErr.Message, "research") {
		t.Errorf("error should name research: %q", apiErr.Message)
	}
}

func TestChatResearchSuccess(t *testing.T) {
	e := newEngine(t, Deps{
		Classifier: &fakeClassifier{kind: api.QueryKindResearch},
		Researcher: &fakeResearcher{available: true, answer: "Researched answer."},
	})

	resp, err := chat(t, e, "question")
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Response != "Researched answer." {
		t.Errorf("unexpected answer: %q", resp.Response)
	}
}

func TestChatClassifierErrorPropagates(t *testing.T) {
	backendErr := errors.New("backend down")
	e := newEngine(t, Deps{Classifier: &fakeClassifier{err: backendErr}})

	_, err := chat(t, e, "question")
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected classifier error, got %v", err)
	}
}

func TestChatUnknownSessionTreatedAsEmpty(t *testing.T) {
	e := newEngine(t, Deps{
		Store:      &fakeStore{manifestErr: session.ErrSessionNotFound},
		Classifier: &fakeClassifier{kind: api.QueryKindResearch},
		Researcher: &fakeResearcher{available: true, answer: "ok"},
	})

	if _, err := chat(t, e, "question"); err != nil {
		t.Fatalf("expected chat before upload to work, got %v", err)
	}
}
