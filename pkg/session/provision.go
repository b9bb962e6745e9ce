package session

import (
	"context"
	"fmt"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/observability"
	"github.com/datachat-dev/datachat/pkg/sandbox"
)

// Provisioner creates sandboxes for sessions. Creation has its own timeout,
// separate from execution timeouts: slow pod scheduling must not eat into
// code execution budget.
type Provisioner struct {
	Client        *sandbox.Client
	Acquirer      sandbox.Acquirer
	CreateTimeout time.Duration
}

// Provision acquires a sandbox server and creates a fresh sandbox on it.
func (p *Provisioner) Provision(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.CreateTimeout)
	defer cancel()

	baseURL, release, err := p.Acquirer.Acquire(createCtx)
	if err != nil {
		if createCtx.Err() == context.DeadlineExceeded {
			return nil, api.NewSandboxTimeoutError(
				fmt.Sprintf("sandbox acquisition timed out after %s", p.CreateTimeout))
		}
		return nil, fmt.Errorf("acquire sandbox server: %w", err)
	}

	id, err := p.Client.Create(createCtx, baseURL)
	if err != nil {
		release()
		if createCtx.Err() == context.DeadlineExceeded {
			return nil, api.NewSandboxTimeoutError(
				fmt.Sprintf("sandbox creation timed out after %s", p.CreateTimeout))
		}
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	observability.ActiveSandboxes.Inc()
	debug.Log("session", "sandbox provisioned", "session_id", sessionID, "sandbox_id", id)

	return &sandbox.Handle{ID: id, BaseURL: baseURL, Release: release}, nil
}

// Teardown deletes a sandbox and releases its acquisition. Best effort:
// the sandbox server reaps leaked workdirs on its own.
func (p *Provisioner) Teardown(ctx context.Context, h *sandbox.Handle) {
	if h == nil {
		return
	}
	if err := p.Client.Delete(ctx, h); err != nil {
		debug.Log("session", "sandbox delete failed", "sandbox_id", h.ID, "error", err.Error())
	}
	if h.Release != nil {
		h.Release()
	}
	observability.ActiveSandboxes.Dec()
}
