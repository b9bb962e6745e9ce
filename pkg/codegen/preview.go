package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// Preview is the result of the mandatory data inspection that precedes any
// code generation. Generation prompts are built FROM a Preview value, so a
// prompt grounded in real column names cannot be skipped by accident.
type Preview struct {
	// Sections are the raw inspection output, surfaced to the user at the
	// head of the execution transcript.
	Sections []string
}

// previewScript renders the fixed pandas inspection routine for one tabular
// file: columns and dtypes, a bounded head sample, summary statistics, shape.
func previewScript(sandboxPath string, rows int) string {
	quoted, _ := json.Marshal(sandboxPath)

	reader := "pd.read_csv"
	switch strings.ToLower(path.Ext(sandboxPath)) {
	case ".xlsx", ".xls":
		reader = "pd.read_excel"
	}

	return fmt.Sprintf(`import pandas as pd

df = %s(%s)
print("Columns and dtypes:")
print(df.dtypes.to_string())
print()
print("Sample rows:")
print(df.head(%d).to_string())
print()
print("Summary statistics:")
print(df.describe().to_string())
print()
print(f"Shape: {df.shape[0]} rows x {df.shape[1]} columns")
`, reader, quoted, rows)
}

// runPreview executes the inspection routine in the session sandbox.
// Preview failure aborts generation: code written against a guessed schema
// is worse than no code.
func (g *Generator) runPreview(ctx context.Context, h *sandbox.Handle, fd api.FileDescriptor) (*Preview, error) {
	result, err := g.sandbox.Execute(ctx, h, previewScript(fd.SandboxPath, g.cfg.PreviewRows), g.execTimeout)
	if err != nil {
		return nil, fmt.Errorf("data preview: %w", err)
	}
	switch result.Status {
	case api.ExecStatusTimeout:
		return nil, api.NewSandboxTimeoutError(
			fmt.Sprintf("data preview timed out after %s", g.execTimeout))
	case api.ExecStatusRuntimeError:
		return nil, fmt.Errorf("data preview failed: %s", firstLine(result.Stderr))
	}
	return &Preview{Sections: result.StdoutSections}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
