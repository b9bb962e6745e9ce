// Package codegen turns a natural-language question about a tabular file
// into validated, executable Python. The loop is a fixed pipeline: data
// preview, generation, extraction, syntax validation, one bounded retry.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/provider"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// ErrCodeGeneration is returned when both the first attempt and the single
// retry fail extraction or validation.
var ErrCodeGeneration = errors.New("code generation failed")

// Config holds generation loop settings.
type Config struct {
	// Temperature for the first attempt.
	Temperature float64

	// RetryTemperature for the single stricter retry.
	RetryTemperature float64

	// PreviewRows bounds the head sample in the data preview.
	PreviewRows int

	// ExecTimeout bounds the preview and syntax-probe executions.
	ExecTimeout time.Duration
}

// Generator produces validated code artifacts for tabular questions.
type Generator struct {
	provider    provider.Provider
	model       string
	sandbox     *sandbox.Client
	cfg         Config
	execTimeout time.Duration
}

// New creates a Generator.
func New(p provider.Provider, model string, client *sandbox.Client, cfg Config) *Generator {
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 5
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Generator{
		provider:    p,
		model:       model,
		sandbox:     client,
		cfg:         cfg,
		execTimeout: cfg.ExecTimeout,
	}
}

// Generate runs the full pipeline against the session's tabular file.
// The returned preview sections belong at the head of the execution
// transcript, before any analysis output. The artifact is always validated;
// an exhausted retry budget yields ErrCodeGeneration.
func (g *Generator) Generate(ctx context.Context, h *sandbox.Handle, fd api.FileDescriptor, question string) (api.CodeArtifact, []string, error) {
	preview, err := g.runPreview(ctx, h, fd)
	if err != nil {
		return api.CodeArtifact{}, nil, err
	}

	artifact, firstErr := g.attempt(ctx, h, fd, question, preview, false)
	if firstErr == nil {
		return artifact, preview.Sections, nil
	}
	if infrastructureError(firstErr) {
		return api.CodeArtifact{}, nil, firstErr
	}
	debug.Log("codegen", "first attempt failed, retrying", "error", firstErr.Error())

	artifact, retryErr := g.attempt(ctx, h, fd, question, preview, true)
	if retryErr == nil {
		return artifact, preview.Sections, nil
	}
	if infrastructureError(retryErr) {
		return api.CodeArtifact{}, nil, retryErr
	}

	return api.CodeArtifact{}, nil, fmt.Errorf("%w: %s (retry: %s)",
		ErrCodeGeneration, firstErr.Error(), retryErr.Error())
}

// infrastructureError reports failures a stricter retry cannot fix: a dead
// sandbox or a typed backend error. These keep their identity so the caller
// can invalidate the handle or surface the backend condition; only
// extraction and validation failures become ErrCodeGeneration.
func infrastructureError(err error) bool {
	var apiErr *api.APIError
	return sandbox.IsUnreachable(err) || errors.As(err, &apiErr)
}

// attempt runs one generation round: model call, extraction, validation.
func (g *Generator) attempt(ctx context.Context, h *sandbox.Handle, fd api.FileDescriptor, question string, preview *Preview, strict bool) (api.CodeArtifact, error) {
	temperature := g.cfg.Temperature
	if strict {
		temperature = g.cfg.RetryTemperature
	}

	resp, err := g.provider.Complete(ctx, &provider.Request{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "system", Content: g.systemPrompt(fd, preview, strict)},
			{Role: "user", Content: question},
		},
		Temperature: provider.Float64(temperature),
		MaxTokens:   provider.Int(2048),
	})
	if err != nil {
		return api.CodeArtifact{}, fmt.Errorf("generation call: %w", err)
	}

	code, method, ok := ExtractCode(resp.Text)
	if !ok {
		return api.CodeArtifact{}, errors.New("no code found in model response")
	}
	debug.Log("codegen", "code extracted", "method", method, "chars", len(code))

	if err := g.validateSyntax(ctx, h, code); err != nil {
		return api.CodeArtifact{}, err
	}

	return api.CodeArtifact{
		Source:           code,
		ExtractionMethod: method,
		Validated:        true,
	}, nil
}

// systemPrompt builds the generation instruction from the grounded preview.
// The strict variant spells out the file path and column list again and
// forbids everything except code.
func (g *Generator) systemPrompt(fd api.FileDescriptor, preview *Preview, strict bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a data analysis assistant. A tabular file is available in the sandbox:\n")
	fmt.Fprintf(&b, "- Filename: %s\n", fd.Filename)
	fmt.Fprintf(&b, "- Path: %s\n", fd.SandboxPath)
	if fd.ColumnSchema != nil {
		fmt.Fprintf(&b, "- Columns: %s\n", strings.Join(fd.ColumnSchema.Columns, ", "))
		fmt.Fprintf(&b, "- Shape: %d rows x %d columns\n", fd.ColumnSchema.Shape[0], fd.ColumnSchema.Shape[1])
	}

	b.WriteString("\nActual data preview from the sandbox:\n")
	for _, section := range preview.Sections {
		b.WriteString(section)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, `
Generate Python code that:
1. Loads the file with pandas from the path: %s
2. Performs the requested analysis
3. Always converts results to strings before printing:
   - print(list(df.columns)) never print(df.columns)
   - print(df.describe().to_string()) never print(df.describe())
   - print(df.head().to_string()) never print(df.head())
4. Creates matplotlib visualizations when appropriate and saves them into
   the output directory: plt.savefig('output/chart.png', bbox_inches='tight', dpi=150)
5. Uses only column names that appear in the preview above
6. Always includes print() statements so results are visible

Respond with ONLY the Python code wrapped in `+"```python and ```"+` markers, no explanations.
`, fd.SandboxPath)

	if strict {
		b.WriteString("\nOutput nothing but code. No prose, no commentary, no markdown outside the single code fence. The code must be syntactically valid Python.\n")
	}
	return b.String()
}
