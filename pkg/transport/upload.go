package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

// tabularExts are treated as analyzable data files; everything else
// uploads as a document.
var tabularExts = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xls":  true,
}

func fileKind(name string) api.FileKind {
	if tabularExts[strings.ToLower(path.Ext(name))] {
		return api.FileKindTabular
	}
	return api.FileKindDocument
}

// handleUpload accepts a multipart upload (fields "file" and "session_id"),
// stores the file in the session's sandbox, probes the schema of tabular
// files, and registers the file in the session manifest.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		WriteError(w, api.NewInvalidRequestError("file", "could not parse multipart upload"))
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		WriteError(w, api.NewInvalidRequestError("session_id", "session_id is required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, api.NewInvalidRequestError("file", "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	filename := path.Base(header.Filename)
	if filename == "" || filename == "." || filename == "/" || strings.HasPrefix(filename, ".") {
		WriteError(w, api.NewInvalidRequestError("file", fmt.Sprintf("invalid filename %q", header.Filename)))
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, api.NewInvalidRequestError("file", "could not read upload"))
		return
	}

	sid := session.ScopedID(r.Context(), sessionID)

	unlock := h.store.Lock(sid)
	defer unlock()

	handle, err := h.store.GetOrCreateSandbox(r.Context(), sid)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := h.sandbox.UploadFile(r.Context(), handle, filename, content); err != nil {
		WriteError(w, err)
		return
	}

	fd := api.FileDescriptor{
		Filename:    filename,
		Kind:        fileKind(filename),
		SandboxPath: "docs/" + filename,
		UploadedAt:  time.Now().UTC(),
	}

	if fd.Kind == api.FileKindTabular {
		info, err := h.probeSchema(r, handle, fd.SandboxPath)
		if err != nil {
			WriteError(w, err)
			return
		}
		fd.ColumnSchema = info
	}

	if err := h.store.RegisterFile(r.Context(), sid, fd); err != nil {
		WriteError(w, err)
		return
	}

	debug.Log("transport", "file uploaded", "session_id", sessionID, "file", filename, "kind", fd.Kind)
	writeJSON(w, http.StatusOK, api.UploadResult{
		Filename:    filename,
		SessionID:   sessionID,
		ColumnsInfo: fd.ColumnSchema,
	})
}

// probeSchema loads the uploaded file with pandas inside the sandbox and
// returns its schema. A file pandas cannot read is rejected at upload time,
// not at first query.
func (h *Handler) probeSchema(r *http.Request, handle *sandbox.Handle, sandboxPath string) (*api.ColumnsInfo, error) {
	result, err := h.sandbox.Execute(r.Context(), handle, schemaProbeScript(sandboxPath), h.cfg.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	if result.Status != api.ExecStatusSuccess {
		return nil, api.NewInvalidRequestError("file",
			fmt.Sprintf("could not read tabular file: %s", errorLine(result.Stderr)))
	}

	if len(result.StdoutSections) == 0 {
		return nil, api.NewServerError("schema probe produced no output")
	}
	var info api.ColumnsInfo
	raw := result.StdoutSections[len(result.StdoutSections)-1]
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, api.NewServerError("schema probe produced unreadable output")
	}
	return &info, nil
}

func schemaProbeScript(sandboxPath string) string {
	quoted, _ := json.Marshal(sandboxPath)
	reader := "read_csv"
	if !strings.HasSuffix(strings.ToLower(sandboxPath), ".csv") {
		reader = "read_excel"
	}
	return fmt.Sprintf(`import json
import pandas as pd

df = pd.%s(%s)
info = {
    "columns": [str(c) for c in df.columns],
    "shape": [int(df.shape[0]), int(df.shape[1])],
    "dtypes": {str(c): str(t) for c, t in df.dtypes.items()},
    "sample": json.loads(df.head(3).to_json(orient="records")),
}
print(json.dumps(info))
`, reader, quoted)
}

// errorLine picks the last non-empty stderr line, which for a Python
// traceback names the exception.
func errorLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
