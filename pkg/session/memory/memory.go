// Package memory provides an in-memory session.Store for testing and
// single-process deployments. Session state is lost on restart; sandboxes
// left behind are reclaimed by the sandbox server's idle reaper.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/debug"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

// entry holds one session's state. queryMu is the coarse per-session lock
// handed out by Lock; stateMu guards the fields for callers that touch
// session state outside a held query lock (uploads, eviction).
type entry struct {
	queryMu sync.Mutex

	stateMu  sync.Mutex
	handle   *sandbox.Handle
	files    []api.FileDescriptor
	lastUsed time.Time
}

// Store is an in-memory session store.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	provisioner *session.Provisioner
	idleTTL     time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

var _ session.Store = (*Store)(nil)

// New creates an in-memory store. If idleTTL > 0, an eviction loop closes
// sessions idle longer than the TTL.
func New(p *session.Provisioner, idleTTL time.Duration) *Store {
	s := &Store{
		sessions:    make(map[string]*entry),
		provisioner: p,
		idleTTL:     idleTTL,
		stop:        make(chan struct{}),
	}
	if idleTTL > 0 {
		go s.evictLoop()
	}
	return s
}

// get returns the session entry, creating it when create is set.
func (s *Store) get(sessionID string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		if !create {
			return nil
		}
		e = &entry{}
		s.sessions[sessionID] = e
	}
	e.stateMu.Lock()
	e.lastUsed = time.Now()
	e.stateMu.Unlock()
	return e
}

// GetOrCreateSandbox returns a live sandbox handle for the session. A cached
// handle is health-probed first; a dead one is torn down and replaced so the
// caller always receives a working sandbox or an error.
func (s *Store) GetOrCreateSandbox(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	e := s.get(sessionID, true)

	e.stateMu.Lock()
	cached := e.handle
	e.stateMu.Unlock()

	if cached != nil {
		if err := s.provisioner.Client.Health(ctx, cached); err == nil {
			return cached, nil
		}
		slog.Info("cached sandbox dead, recreating", "session_id", sessionID, "sandbox_id", cached.ID)
		s.provisioner.Teardown(ctx, cached)
		e.stateMu.Lock()
		if e.handle == cached {
			e.handle = nil
		}
		e.stateMu.Unlock()
	}

	h, err := s.provisioner.Provision(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.stateMu.Lock()
	e.handle = h
	e.stateMu.Unlock()
	return h, nil
}

// Invalidate drops the cached sandbox handle. The manifest survives so the
// next query knows which files were part of the session.
func (s *Store) Invalidate(_ context.Context, sessionID string) error {
	e := s.get(sessionID, false)
	if e == nil {
		return session.ErrSessionNotFound
	}

	e.stateMu.Lock()
	h := e.handle
	e.handle = nil
	e.stateMu.Unlock()

	if h != nil {
		debug.Log("session", "sandbox handle invalidated", "session_id", sessionID, "sandbox_id", h.ID)
		s.provisioner.Teardown(context.Background(), h)
	}
	return nil
}

// RegisterFile appends a file descriptor to the session manifest.
func (s *Store) RegisterFile(_ context.Context, sessionID string, fd api.FileDescriptor) error {
	e := s.get(sessionID, true)
	e.stateMu.Lock()
	e.files = append(e.files, fd)
	e.stateMu.Unlock()
	return nil
}

// Manifest returns a copy of the session's file manifest.
func (s *Store) Manifest(_ context.Context, sessionID string) ([]api.FileDescriptor, error) {
	e := s.get(sessionID, false)
	if e == nil {
		return nil, session.ErrSessionNotFound
	}

	e.stateMu.Lock()
	files := make([]api.FileDescriptor, len(e.files))
	copy(files, e.files)
	e.stateMu.Unlock()
	return files, nil
}

// Lock acquires the per-session query lock and returns its release function.
func (s *Store) Lock(sessionID string) func() {
	e := s.get(sessionID, true)
	e.queryMu.Lock()
	return e.queryMu.Unlock
}

// Close tears down the session and its sandbox. Idempotent.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	e.stateMu.Lock()
	h := e.handle
	e.handle = nil
	e.stateMu.Unlock()

	if h != nil {
		s.provisioner.Teardown(ctx, h)
	}
	return nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Shutdown closes all sessions and stops the eviction loop.
func (s *Store) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evictLoop closes sessions that have been idle longer than the TTL.
func (s *Store) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTTL)

			s.mu.Lock()
			var expired []string
			for id, e := range s.sessions {
				e.stateMu.Lock()
				idle := e.lastUsed.Before(cutoff)
				e.stateMu.Unlock()
				if idle {
					expired = append(expired, id)
				}
			}
			s.mu.Unlock()

			for _, id := range expired {
				slog.Info("evicting idle session", "session_id", id)
				s.Close(context.Background(), id)
			}
		}
	}
}
