package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/datachat-dev/datachat/pkg/provider"
)

// ServerConfig describes one MCP server offering research tools (web
// search, page fetch).
type ServerConfig struct {
	Name string

	// Transport selects "sse" or "streamable-http" (the default).
	Transport string

	URL     string
	Headers map[string]string

	// Token, when set, is sent as a bearer Authorization header.
	Token string
}

// serverConn wraps one MCP client session and its discovered tools.
type serverConn struct {
	cfg     ServerConfig
	client  *mcp.Client
	session *mcp.ClientSession

	mu            sync.Mutex
	cachedTools   []provider.Tool
	toolsResolved bool
}

func newServerConn(cfg ServerConfig) *serverConn {
	return &serverConn{cfg: cfg}
}

// connect performs the MCP handshake. A nil transport builds one from the
// server configuration; tests pass in-memory transports directly.
func (c *serverConn) connect(ctx context.Context, transport mcp.Transport) error {
	c.client = mcp.NewClient(
		&mcp.Implementation{Name: "datachat", Version: "1.0.0"},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)

	if transport == nil {
		t, err := c.buildTransport()
		if err != nil {
			return fmt.Errorf("creating transport for %q: %w", c.cfg.Name, err)
		}
		transport = t
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connecting to MCP server %q: %w", c.cfg.Name, err)
	}
	c.session = session
	return nil
}

func (c *serverConn) buildTransport() (mcp.Transport, error) {
	httpClient := c.buildHTTPClient()

	switch c.cfg.Transport {
	case "sse":
		t := &mcp.SSEClientTransport{Endpoint: c.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	case "streamable-http", "":
		t := &mcp.StreamableClientTransport{Endpoint: c.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", c.cfg.Transport)
	}
}

func (c *serverConn) buildHTTPClient() *http.Client {
	headers := map[string]string{}
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// tools lists the server's tools in provider format, caching the result.
func (c *serverConn) tools(ctx context.Context) ([]provider.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.toolsResolved {
		return c.cachedTools, nil
	}
	if c.session == nil {
		return nil, fmt.Errorf("MCP server %q not connected", c.cfg.Name)
	}

	var defs []provider.Tool
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", c.cfg.Name, err)
		}
		def, convErr := convertTool(tool)
		if convErr != nil {
			return nil, fmt.Errorf("converting tool %q from %q: %w", tool.Name, c.cfg.Name, convErr)
		}
		defs = append(defs, def)
	}

	c.cachedTools = defs
	c.toolsResolved = true
	return defs, nil
}

// call executes one tool call. Tool failures come back as text for the
// model to react to, not as Go errors: only protocol-level problems error.
func (c *serverConn) call(ctx context.Context, call provider.ToolCall) string {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("invalid arguments JSON: %v", err)
		}
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      call.Function.Name,
		Arguments: args,
	})
	if err != nil {
		return fmt.Sprintf("tool call error: %v", err)
	}

	var output string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if output != "" {
				output += "\n"
			}
			output += tc.Text
		}
	}
	if result.IsError && output == "" {
		output = "tool reported an error with no detail"
	}
	return output
}

func (c *serverConn) close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func convertTool(t *mcp.Tool) (provider.Tool, error) {
	var params json.RawMessage
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return provider.Tool{}, fmt.Errorf("marshaling input schema: %w", err)
		}
		params = data
	}
	return provider.Tool{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}, nil
}
