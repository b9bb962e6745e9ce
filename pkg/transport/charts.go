package transport

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/session"
)

// handleChart streams a chart produced by an earlier execution back to the
// client. Charts live only inside the session's sandbox, so the session
// must still exist and its sandbox must be alive.
func (h *Handler) handleChart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		WriteError(w, api.NewInvalidRequestError("name", "invalid chart name"))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		WriteError(w, api.NewInvalidRequestError("session_id", "session_id is required"))
		return
	}

	sid := session.ScopedID(r.Context(), sessionID)

	// Reject unknown sessions before touching the sandbox layer, so a
	// stray chart URL cannot provision a sandbox. The scoped lookup also
	// makes another caller's session indistinguishable from a missing one.
	if _, err := h.store.Manifest(r.Context(), sid); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteError(w, api.NewNotFoundError("unknown session"))
			return
		}
		WriteError(w, err)
		return
	}

	handle, err := h.store.GetOrCreateSandbox(r.Context(), sid)
	if err != nil {
		WriteError(w, err)
		return
	}

	content, err := h.sandbox.FetchFile(r.Context(), handle, name)
	if err != nil {
		WriteError(w, api.NewNotFoundError("chart not found: "+name))
		return
	}

	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
