// Command sandbox-server runs an HTTP server inside agent-sandbox pods that
// executes analysis code in isolated per-sandbox working directories. Unlike
// a stateless runner, sandboxes persist across executions so uploaded data,
// cached document extractions, and chart artifacts survive between queries
// of the same session.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_PYTHON_INDEX   - Python package index URL (default: https://pypi.org/simple/)
//	SANDBOX_IDLE_TTL       - Reap sandboxes idle longer than this (default: 30m)
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	port := envOr("SANDBOX_PORT", "8080")
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)
	pythonIndex := envOr("SANDBOX_PYTHON_INDEX", "https://pypi.org/simple/")
	idleTTL := envOrDuration("SANDBOX_IDLE_TTL", 30*time.Minute)

	if _, err := exec.LookPath("python3"); err != nil {
		slog.Error("python3 not found in PATH")
		os.Exit(1)
	}

	srv := &sandboxServer{
		sandboxes:     make(map[string]*sandboxState),
		maxConcurrent: int32(maxConcurrent),
		pythonIndex:   pythonIndex,
		idleTTL:       idleTTL,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", srv.handleCreate)
	mux.HandleFunc("POST /sandboxes/{id}/execute", srv.handleExecute)
	mux.HandleFunc("PUT /sandboxes/{id}/files/{name}", srv.handlePutFile)
	mux.HandleFunc("GET /sandboxes/{id}/files/{name}", srv.handleGetFile)
	mux.HandleFunc("GET /sandboxes/{id}/health", srv.handleSandboxHealth)
	mux.HandleFunc("DELETE /sandboxes/{id}", srv.handleDelete)
	mux.HandleFunc("GET /health", srv.handleHealth)

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long timeout for code execution.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.reapIdle(ctx)

	go func() {
		slog.Info("sandbox server starting", "port", port, "max_concurrent", maxConcurrent, "idle_ttl", idleTTL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	srv.closeAll()
}

// --- Server ---

type sandboxState struct {
	id       string
	workdir  string
	lastUsed atomic.Int64 // Unix nanos of last activity.
}

func (s *sandboxState) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

type sandboxServer struct {
	mu            sync.Mutex
	sandboxes     map[string]*sandboxState
	maxConcurrent int32
	currentLoad   atomic.Int32
	pythonIndex   string
	idleTTL       time.Duration
	startTime     time.Time
}

func (s *sandboxServer) lookup(id string) *sandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb := s.sandboxes[id]
	if sb != nil {
		sb.touch()
	}
	return sb
}

func (s *sandboxServer) remove(id string) *sandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb := s.sandboxes[id]
	delete(s.sandboxes, id)
	return sb
}

// reapIdle removes sandboxes whose last activity is older than the TTL.
func (s *sandboxServer) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTTL).UnixNano()
			s.mu.Lock()
			for id, sb := range s.sandboxes {
				if sb.lastUsed.Load() < cutoff {
					delete(s.sandboxes, id)
					os.RemoveAll(sb.workdir)
					slog.Info("reaped idle sandbox", "sandbox_id", id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *sandboxServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sb := range s.sandboxes {
		os.RemoveAll(sb.workdir)
		delete(s.sandboxes, id)
	}
}

// --- Create handler ---

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
	Workdir   string `json:"workdir"`
}

func (s *sandboxServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := "sbx_" + randomHex(12)

	workdir, err := os.MkdirTemp("", "datachat-sbx-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workdir: "+err.Error())
		return
	}
	for _, sub := range []string{"docs", "output"} {
		if err := os.MkdirAll(filepath.Join(workdir, sub), 0755); err != nil {
			os.RemoveAll(workdir)
			writeError(w, http.StatusInternalServerError, "failed to create workdir: "+err.Error())
			return
		}
	}

	sb := &sandboxState{id: id, workdir: workdir}
	sb.touch()

	s.mu.Lock()
	s.sandboxes[id] = sb
	s.mu.Unlock()

	slog.Info("sandbox created", "sandbox_id", id, "workdir", workdir)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResponse{SandboxID: id, Workdir: workdir})
}

// --- Execute handler ---

type executeRequest struct {
	Code           string   `json:"code,omitempty"`
	Command        string   `json:"command,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Requirements   []string `json:"requirements,omitempty"`
}

type executeResponse struct {
	Status          string   `json:"status"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExitCode        int      `json:"exit_code"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	FilesProduced   []string `json:"files_produced,omitempty"`
}

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	sb := s.lookup(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "no such sandbox")
		return
	}

	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10*1024*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if req.Code == "" && req.Command == "" {
		writeError(w, http.StatusBadRequest, "code or command is required")
		return
	}
	if req.Code != "" && req.Command != "" {
		writeError(w, http.StatusBadRequest, "code and command are mutually exclusive")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	if len(req.Requirements) > 0 {
		if err := s.installRequirements(r.Context(), sb.workdir, req.Requirements, req.TimeoutSeconds); err != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(executeResponse{
				Status:   "error",
				Stderr:   "package installation failed: " + err.Error(),
				ExitCode: -1,
			})
			return
		}
	}

	outputDir := filepath.Join(sb.workdir, "output")
	before := snapshotDir(outputDir)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if req.Code != "" {
		codePath := filepath.Join(sb.workdir, "script.py")
		if err := os.WriteFile(codePath, []byte(req.Code), 0644); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to write code: "+err.Error())
			return
		}
		cmd = exec.CommandContext(ctx, "python3", codePath)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-c", req.Command)
	}

	cmd.Dir = sb.workdir
	cmd.Env = append(os.Environ(),
		"OUTPUT_DIR="+outputDir,
		"PYTHONPATH="+filepath.Join(sb.workdir, ".pylibs"),
	)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	startTime := time.Now()
	execErr := cmd.Run()
	duration := time.Since(startTime)

	exitCode := 0
	status := "success"
	if execErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			status = "timeout"
			exitCode = -1
			if stderrBuf.Len() == 0 {
				stderrBuf.WriteString(fmt.Sprintf("execution timed out after %d seconds", req.TimeoutSeconds))
			}
		} else if exitErr, ok := execErr.(*exec.ExitError); ok {
			status = "error"
			exitCode = exitErr.ExitCode()
		} else {
			status = "error"
			exitCode = -1
			if stderrBuf.Len() == 0 {
				stderrBuf.WriteString(execErr.Error())
			}
		}
	}

	produced := newFilesSince(outputDir, before)

	slog.Info("execute complete",
		"sandbox_id", sb.id,
		"status", status,
		"exit_code", exitCode,
		"duration_ms", duration.Milliseconds(),
		"stdout_len", stdoutBuf.Len(),
		"files_produced", len(produced),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(executeResponse{
		Status:          status,
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		ExitCode:        exitCode,
		ExecutionTimeMs: duration.Milliseconds(),
		FilesProduced:   produced,
	})
}

// installRequirements installs Python packages into the sandbox's .pylibs
// directory via uv so they persist for later executions.
func (s *sandboxServer) installRequirements(ctx context.Context, workdir string, requirements []string, timeoutSecs int) error {
	installCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	targetDir := filepath.Join(workdir, ".pylibs")
	args := []string{"pip", "install", "--system", "--target", targetDir, "--index-url", s.pythonIndex}
	args = append(args, requirements...)

	cmd := exec.CommandContext(installCtx, "uv", args...)
	cmd.Dir = workdir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// --- File handlers ---

// handlePutFile writes the raw body into the sandbox docs directory.
// The base name is used verbatim so `.md` extraction siblings land next to
// their source document.
func (s *sandboxServer) handlePutFile(w http.ResponseWriter, r *http.Request) {
	sb := s.lookup(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "no such sandbox")
		return
	}

	name := filepath.Base(r.PathValue("name")) // Prevent path traversal.
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 100*1024*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	path := filepath.Join(sb.workdir, "docs", name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, "write file: "+err.Error())
		return
	}

	slog.Info("file uploaded", "sandbox_id", sb.id, "name", name, "bytes", len(content))
	w.WriteHeader(http.StatusCreated)
}

// handleGetFile serves a file from the sandbox. Chart artifacts live under
// output/, documents and extraction caches under docs/.
func (s *sandboxServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	sb := s.lookup(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "no such sandbox")
		return
	}

	name := filepath.Base(r.PathValue("name"))
	for _, sub := range []string{"output", "docs"} {
		path := filepath.Join(sb.workdir, sub, name)
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no such file")
}

// --- Health and delete handlers ---

type healthResponse struct {
	Status     string `json:"status"`
	Sandboxes  int    `json:"sandboxes"`
	UptimeSecs int64  `json:"uptime_seconds"`
}

func (s *sandboxServer) handleSandboxHealth(w http.ResponseWriter, r *http.Request) {
	sb := s.lookup(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "no such sandbox")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "healthy"})
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.sandboxes)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:     "healthy",
		Sandboxes:  count,
		UptimeSecs: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *sandboxServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sb := s.remove(r.PathValue("id"))
	if sb == nil {
		writeError(w, http.StatusNotFound, "no such sandbox")
		return
	}
	os.RemoveAll(sb.workdir)
	slog.Info("sandbox deleted", "sandbox_id", sb.id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// snapshotDir records the names currently present in dir.
func snapshotDir(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	return names
}

// newFilesSince lists files in dir that were not in the before snapshot.
func newFilesSince(dir string, before map[string]bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var produced []string
	for _, e := range entries {
		if e.IsDir() || before[e.Name()] {
			continue
		}
		produced = append(produced, e.Name())
	}
	return produced
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}

func envOrDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
