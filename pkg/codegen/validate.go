package codegen

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// syntaxProbe parses candidate code with ast.parse inside the sandbox
// without executing it. The candidate travels base64-encoded so its own
// quoting can never break the probe.
const syntaxProbe = `import ast, base64, sys
src = base64.b64decode(%q).decode("utf-8")
try:
    ast.parse(src)
except SyntaxError as e:
    print(f"line {e.lineno}: {e.msg}", file=sys.stderr)
    sys.exit(1)
`

// validateSyntax checks the candidate parses as Python. A parse failure
// returns an error naming the offending line; the candidate is never run.
func (g *Generator) validateSyntax(ctx context.Context, h *sandbox.Handle, code string) error {
	probe := fmt.Sprintf(syntaxProbe, base64.StdEncoding.EncodeToString([]byte(code)))

	result, err := g.sandbox.Execute(ctx, h, probe, g.execTimeout)
	if err != nil {
		return fmt.Errorf("syntax probe: %w", err)
	}
	if result.Status != api.ExecStatusSuccess {
		return fmt.Errorf("syntax error: %s", firstLine(result.Stderr))
	}
	return nil
}
