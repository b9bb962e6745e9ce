package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
)

// ErrUnreachable reports that the sandbox server did not answer at the
// transport level. The session layer invalidates the cached handle on this
// error so the next request acquires a fresh sandbox.
var ErrUnreachable = errors.New("sandbox unreachable")

// IsUnreachable reports whether err means the sandbox is gone or the
// transport to it failed.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// Handle identifies one live sandbox on a sandbox server. Release tears
// down the acquisition (a no-op in static URL mode, claim deletion in
// Kubernetes mode).
type Handle struct {
	ID      string
	BaseURL string
	Release func()
}

// Client calls the sandbox server's REST API.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a sandbox HTTP client. The transport timeout bounds the
// whole round trip and must exceed the per-execution timeout enforced
// server-side.
func NewClient(transportTimeout time.Duration) *Client {
	if transportTimeout == 0 {
		transportTimeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: transportTimeout},
	}
}

// Create provisions a new sandbox on the server at baseURL and returns its ID.
func (c *Client) Create(ctx context.Context, baseURL string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/sandboxes", nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", readServerError(resp)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.SandboxID == "" {
		return "", fmt.Errorf("sandbox server returned empty sandbox_id")
	}

	debug.Log("sandbox", "sandbox created", "sandbox_id", created.SandboxID, "workdir", created.Workdir)
	return created.SandboxID, nil
}

// Execute runs Python code in the sandbox and normalizes the outcome.
// The returned ExecutionResult always carries at least one stdout section:
// a silent success is reported with the explicit no-output status line.
func (c *Client) Execute(ctx context.Context, h *Handle, code string, timeout time.Duration) (*api.ExecutionResult, error) {
	resp, err := c.execute(ctx, h, &executeRequest{
		Code:           code,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	result := &api.ExecutionResult{
		Stderr:     resp.Stderr,
		ChartFiles: chartFiles(resp.FilesProduced),
	}

	switch resp.Status {
	case "timeout":
		result.Status = api.ExecStatusTimeout
	case "success":
		result.Status = api.ExecStatusSuccess
	default:
		result.Status = api.ExecStatusRuntimeError
	}

	if out := strings.TrimRight(resp.Stdout, "\n"); out != "" {
		result.StdoutSections = []string{out}
	} else if result.Status == api.ExecStatusSuccess {
		result.StdoutSections = []string{api.NoOutputStatusLine}
	} else {
		result.StdoutSections = []string{}
	}

	return result, nil
}

// RunCommand runs a shell command inside the sandbox working directory and
// returns its stdout. Used by document search and extraction, which drive
// grep and the text extractors rather than the Python interpreter.
func (c *Client) RunCommand(ctx context.Context, h *Handle, command string, timeout time.Duration) (string, error) {
	resp, err := c.execute(ctx, h, &executeRequest{
		Command:        command,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return "", err
	}
	if resp.Status == "timeout" {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if resp.ExitCode != 0 {
		return "", fmt.Errorf("command exited %d: %s", resp.ExitCode, resp.Stderr)
	}
	return resp.Stdout, nil
}

func (c *Client) execute(ctx context.Context, h *Handle, req *executeRequest) (*executeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.sandboxURL(h, "execute"), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Server no longer knows this sandbox (restart, idle reap).
		return nil, fmt.Errorf("sandbox %s gone: %w", h.ID, ErrUnreachable)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("sandbox at capacity (HTTP 429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}

	var execResp executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	return &execResp, nil
}

// UploadFile writes content to the sandbox's docs directory under name.
func (c *Client) UploadFile(ctx context.Context, h *Handle, name string, content []byte) error {
	resp, err := c.do(ctx, http.MethodPut, c.fileURL(h, name), bytes.NewReader(content), "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return readServerError(resp)
	}
	return nil
}

// FetchFile reads a file produced by the sandbox (chart images, cached
// extractions).
func (c *Client) FetchFile(ctx context.Context, h *Handle, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.fileURL(h, name), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file %q not found in sandbox %s", name, h.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Health probes whether the sandbox is still alive on the server. A nil
// return means the cached handle can be reused.
func (c *Client) Health(ctx context.Context, h *Handle) error {
	resp, err := c.do(ctx, http.MethodGet, c.sandboxURL(h, "health"), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox %s unhealthy (HTTP %d): %w", h.ID, resp.StatusCode, ErrUnreachable)
	}
	return nil
}

// Delete tears down the sandbox and its working directory. Deleting an
// already-gone sandbox is not an error.
func (c *Client) Delete(ctx context.Context, h *Handle) error {
	resp, err := c.do(ctx, http.MethodDelete, strings.TrimRight(h.BaseURL, "/")+"/sandboxes/"+url.PathEscape(h.ID), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return readServerError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, rawURL, err, ErrUnreachable)
	}
	return resp, nil
}

func (c *Client) sandboxURL(h *Handle, suffix string) string {
	return strings.TrimRight(h.BaseURL, "/") + "/sandboxes/" + url.PathEscape(h.ID) + "/" + suffix
}

func (c *Client) fileURL(h *Handle, name string) string {
	return c.sandboxURL(h, "files/"+url.PathEscape(name))
}

func readServerError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope errorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("sandbox server HTTP %d: %s", resp.StatusCode, envelope.Error)
	}
	return fmt.Errorf("sandbox server HTTP %d: %s", resp.StatusCode, string(data))
}

// chartFiles keeps only image artifacts from the produced-files list.
func chartFiles(produced []string) []string {
	var charts []string
	for _, name := range produced {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".png", ".jpg", ".jpeg", ".svg", ".gif":
			charts = append(charts, name)
		}
	}
	return charts
}
