// Package research answers questions that need external knowledge by
// driving MCP research tools (web search, page fetch) through a bounded
// agentic loop.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/provider"
)

// ErrNotConfigured is returned when no MCP research servers are configured.
// Callers surface this to the user rather than silently answering from the
// model's parametric memory.
var ErrNotConfigured = errors.New("research not configured")

const systemInstruction = `You are a research assistant. Use the available tools to find
current, factual information before answering. Cite the sources you used.
If the tools return nothing useful, say what you searched for and that you
found no reliable answer. Do not fabricate sources.`

// Config bounds the research loop.
type Config struct {
	Servers []ServerConfig

	// MaxTurns caps model turns that may request tools. After the cap one
	// final tool-less turn forces an answer from what was gathered.
	MaxTurns int

	Temperature float64
}

// Researcher runs the agentic research loop against configured MCP servers.
type Researcher struct {
	provider    provider.Provider
	model       string
	temperature float64
	maxTurns    int

	conns   []*serverConn
	toolmap map[string]*serverConn
}

// New creates a Researcher. Connect must be called before Research.
// A Researcher with no servers is valid: Available reports false and
// Research returns ErrNotConfigured.
func New(p provider.Provider, model string, cfg Config) *Researcher {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 5
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	r := &Researcher{
		provider:    p,
		model:       model,
		temperature: cfg.Temperature,
		maxTurns:    cfg.MaxTurns,
		toolmap:     map[string]*serverConn{},
	}
	for _, sc := range cfg.Servers {
		r.conns = append(r.conns, newServerConn(sc))
	}
	return r
}

// Connect establishes sessions to every configured server and discovers
// their tools. A server that fails to connect fails startup: a half-working
// research path is harder to debug than a refused one.
func (r *Researcher) Connect(ctx context.Context) error {
	for _, conn := range r.conns {
		if err := conn.connect(ctx, nil); err != nil {
			return err
		}
		if err := r.indexTools(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// ConnectWithTransports is Connect with explicit transports, one per
// configured server, for in-memory testing.
func (r *Researcher) ConnectWithTransports(ctx context.Context, transports []mcp.Transport) error {
	if len(transports) != len(r.conns) {
		return fmt.Errorf("got %d transports for %d servers", len(transports), len(r.conns))
	}
	for i, conn := range r.conns {
		if err := conn.connect(ctx, transports[i]); err != nil {
			return err
		}
		if err := r.indexTools(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Researcher) indexTools(ctx context.Context, conn *serverConn) error {
	defs, err := conn.tools(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if prev, ok := r.toolmap[def.Function.Name]; ok {
			return fmt.Errorf("tool %q offered by both %q and %q",
				def.Function.Name, prev.cfg.Name, conn.cfg.Name)
		}
		r.toolmap[def.Function.Name] = conn
	}
	return nil
}

// Available reports whether any research server is configured.
func (r *Researcher) Available() bool {
	return len(r.conns) > 0
}

// Research answers question using the configured tools. The model may
// request tools for up to MaxTurns turns; the loop then takes away the
// tools and demands a final answer from what was gathered.
func (r *Researcher) Research(ctx context.Context, question string) (string, error) {
	if !r.Available() {
		return "", ErrNotConfigured
	}

	var tools []provider.Tool
	for _, conn := range r.conns {
		defs, err := conn.tools(ctx)
		if err != nil {
			return "", err
		}
		tools = append(tools, defs...)
	}

	messages := []provider.Message{
		{Role: "system", Content: systemInstruction},
		{Role: "user", Content: question},
	}

	for turn := 0; turn < r.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := r.provider.Complete(ctx, &provider.Request{
			Model:       r.model,
			Messages:    messages,
			Tools:       tools,
			Temperature: provider.Float64(r.temperature),
		})
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			answer := strings.TrimSpace(resp.Text)
			if answer == "" {
				return "", fmt.Errorf("model returned an empty research answer")
			}
			return answer, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    r.dispatch(ctx, call),
				ToolCallID: call.ID,
			})
		}
	}

	return r.finalize(ctx, messages)
}

// dispatch routes one tool call to its owning server. Unknown tool names
// are answered in-band so the model can correct itself.
func (r *Researcher) dispatch(ctx context.Context, call provider.ToolCall) string {
	conn, ok := r.toolmap[call.Function.Name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Function.Name)
	}
	out := conn.call(ctx, call)
	debug.Log("research", "tool call", "tool", call.Function.Name, "server", conn.cfg.Name, "chars", len(out))
	return out
}

// finalize issues one tool-less completion to force an answer after the
// turn budget is spent.
func (r *Researcher) finalize(ctx context.Context, messages []provider.Message) (string, error) {
	messages = append(messages, provider.Message{
		Role:    "user",
		Content: "Answer now from the information gathered so far.",
	})
	resp, err := r.provider.Complete(ctx, &provider.Request{
		Model:       r.model,
		Messages:    messages,
		Temperature: provider.Float64(r.temperature),
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return "", fmt.Errorf("model returned an empty research answer")
	}
	return answer, nil
}

// Close closes every server session.
func (r *Researcher) Close() error {
	var firstErr error
	for _, conn := range r.conns {
		if err := conn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
