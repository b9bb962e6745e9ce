package session

import (
	"context"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// Store manages sessions and their sandboxes.
//
// GetOrCreateSandbox returns a live handle for the session, creating the
// session and its sandbox on first use. Cached handles are probed before
// being returned; a dead sandbox is replaced transparently. At most one
// sandbox exists per session at any time.
type Store interface {
	// GetOrCreateSandbox returns a live sandbox handle for the session.
	GetOrCreateSandbox(ctx context.Context, sessionID string) (*sandbox.Handle, error)

	// Invalidate drops the session's cached sandbox handle so the next
	// GetOrCreateSandbox provisions a fresh one. The manifest is kept.
	Invalidate(ctx context.Context, sessionID string) error

	// RegisterFile records an uploaded file in the session manifest.
	RegisterFile(ctx context.Context, sessionID string, fd api.FileDescriptor) error

	// Manifest returns the session's uploaded files in registration order.
	// Returns ErrSessionNotFound for an unknown session.
	Manifest(ctx context.Context, sessionID string) ([]api.FileDescriptor, error)

	// Lock acquires the session's serialization lock and returns the
	// release function. Queries against one session never interleave.
	Lock(sessionID string) (unlock func())

	// Close tears down the session and its sandbox. Closing an unknown or
	// already-closed session is not an error.
	Close(ctx context.Context, sessionID string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Shutdown releases all sessions and backend resources.
	Shutdown(ctx context.Context) error
}
