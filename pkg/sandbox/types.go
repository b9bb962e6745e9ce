// Package sandbox provides the HTTP client and acquisition strategies for
// session-scoped sandbox servers that execute analysis code.
package sandbox

// createResponse is the response from POST /sandboxes.
type createResponse struct {
	SandboxID string `json:"sandbox_id"`
	Workdir   string `json:"workdir"`
}

// executeRequest is the request body for POST /sandboxes/{id}/execute.
// Exactly one of Code or Command is set: Code runs through the Python
// interpreter, Command runs as a shell invocation (used by document
// extraction).
type executeRequest struct {
	Code           string   `json:"code,omitempty"`
	Command        string   `json:"command,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Requirements   []string `json:"requirements,omitempty"`
}

// executeResponse is the response from POST /sandboxes/{id}/execute.
type executeResponse struct {
	Status          string   `json:"status"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExitCode        int      `json:"exit_code"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	FilesProduced   []string `json:"files_produced,omitempty"`
}

// healthResponse is the response from GET /sandboxes/{id}/health and GET /health.
type healthResponse struct {
	Status     string `json:"status"`
	Sandboxes  int    `json:"sandboxes"`
	UptimeSecs int64  `json:"uptime_seconds"`
}

// errorResponse is the error envelope returned by the sandbox server.
type errorResponse struct {
	Error string `json:"error"`
}
