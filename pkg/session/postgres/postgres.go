// Package postgres provides a PostgreSQL-backed session.Store. Session
// records and file manifests survive restarts; sandbox handles are cached
// in-process and re-probed when a session is loaded from the database, so
// a restarted gateway reattaches to still-running sandboxes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/sandbox"
	"github.com/datachat-dev/datachat/pkg/session"
)

// Store is a PostgreSQL-backed session store.
type Store struct {
	pool        *pgxpool.Pool
	provisioner *session.Provisioner

	mu      sync.Mutex
	handles map[string]*sandbox.Handle
	locks   map[string]*sync.Mutex
}

var _ session.Store = (*Store)(nil)

// New creates a PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config, p *session.Provisioner) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{
		pool:        pool,
		provisioner: p,
		handles:     make(map[string]*sandbox.Handle),
		locks:       make(map[string]*sync.Mutex),
	}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// GetOrCreateSandbox returns a live sandbox handle for the session. Handles
// cached in-process are probed first; otherwise the durable session record
// is consulted so a restarted gateway reattaches to a surviving sandbox.
func (s *Store) GetOrCreateSandbox(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	s.mu.Lock()
	cached := s.handles[sessionID]
	s.mu.Unlock()

	if cached != nil {
		if err := s.provisioner.Client.Health(ctx, cached); err == nil {
			s.touch(ctx, sessionID)
			return cached, nil
		}
		s.dropHandle(ctx, sessionID, cached)
	}

	// Try reattaching from the durable record.
	var sandboxID, sandboxURL *string
	err := s.pool.QueryRow(ctx,
		"SELECT sandbox_id, sandbox_url FROM sessions WHERE id = $1", sessionID,
	).Scan(&sandboxID, &sandboxURL)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if sandboxID != nil && sandboxURL != nil {
		h := &sandbox.Handle{ID: *sandboxID, BaseURL: *sandboxURL, Release: func() {}}
		if healthErr := s.provisioner.Client.Health(ctx, h); healthErr == nil {
			s.mu.Lock()
			s.handles[sessionID] = h
			s.mu.Unlock()
			s.touch(ctx, sessionID)
			return h, nil
		}
		slog.Info("recorded sandbox dead, recreating", "session_id", sessionID, "sandbox_id", *sandboxID)
	}

	h, err := s.provisioner.Provision(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, sandbox_id, sandbox_url, last_used)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET sandbox_id = $2, sandbox_url = $3, last_used = now()
	`, sessionID, h.ID, h.BaseURL)
	if err != nil {
		s.provisioner.Teardown(ctx, h)
		return nil, fmt.Errorf("recording session: %w", err)
	}

	s.mu.Lock()
	s.handles[sessionID] = h
	s.mu.Unlock()
	return h, nil
}

// Invalidate drops the session's sandbox handle and clears the durable
// sandbox columns. The file manifest is kept.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	result, err := s.pool.Exec(ctx,
		"UPDATE sessions SET sandbox_id = NULL, sandbox_url = NULL WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}

	s.mu.Lock()
	h := s.handles[sessionID]
	delete(s.handles, sessionID)
	s.mu.Unlock()

	if h != nil {
		s.provisioner.Teardown(ctx, h)
	}
	return nil
}

// RegisterFile records an uploaded file in the durable manifest, creating
// the session record if needed.
func (s *Store) RegisterFile(ctx context.Context, sessionID string, fd api.FileDescriptor) error {
	var schemaJSON []byte
	if fd.ColumnSchema != nil {
		var err error
		schemaJSON, err = json.Marshal(fd.ColumnSchema)
		if err != nil {
			return fmt.Errorf("marshaling column schema: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, sessionID)
	if err != nil {
		return fmt.Errorf("ensuring session: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_files (session_id, filename, kind, sandbox_path, column_schema, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, fd.Filename, string(fd.Kind), fd.SandboxPath, nullJSON(schemaJSON), fd.UploadedAt)
	if err != nil {
		return fmt.Errorf("inserting file record: %w", err)
	}
	return nil
}

// Manifest returns the session's files in registration order.
func (s *Store) Manifest(ctx context.Context, sessionID string) ([]api.FileDescriptor, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)", sessionID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if !exists {
		return nil, session.ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT filename, kind, sandbox_path, column_schema, uploaded_at
		FROM session_files WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	defer rows.Close()

	var files []api.FileDescriptor
	for rows.Next() {
		var fd api.FileDescriptor
		var kind string
		var schemaJSON *[]byte

		if err := rows.Scan(&fd.Filename, &kind, &fd.SandboxPath, &schemaJSON, &fd.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		fd.Kind = api.FileKind(kind)
		if schemaJSON != nil {
			var schema api.ColumnsInfo
			if err := json.Unmarshal(*schemaJSON, &schema); err == nil {
				fd.ColumnSchema = &schema
			}
		}
		files = append(files, fd)
	}
	return files, rows.Err()
}

// Lock acquires the per-session query lock. Serialization is per-process;
// multi-replica deployments must route a session to one replica.
func (s *Store) Lock(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Close tears down the session, its sandbox, and durable records. Idempotent.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h := s.handles[sessionID]
	delete(s.handles, sessionID)
	delete(s.locks, sessionID)
	s.mu.Unlock()

	if h != nil {
		s.provisioner.Teardown(ctx, h)
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Shutdown tears down cached sandboxes and releases the pool. Durable
// session records are kept for the next process.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*sandbox.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*sandbox.Handle)
	s.mu.Unlock()

	for _, h := range handles {
		// Releasing the acquisition only; the sandbox itself stays up so a
		// restarted process can reattach via the durable record.
		if h.Release != nil {
			h.Release()
		}
	}

	s.pool.Close()
	return nil
}

// touch updates the session's last_used timestamp.
func (s *Store) touch(ctx context.Context, sessionID string) {
	if _, err := s.pool.Exec(ctx,
		"UPDATE sessions SET last_used = now() WHERE id = $1", sessionID); err != nil {
		slog.Warn("failed to touch session", "session_id", sessionID, "error", err.Error())
	}
}

// dropHandle removes a dead cached handle and clears the durable columns.
func (s *Store) dropHandle(ctx context.Context, sessionID string, h *sandbox.Handle) {
	s.mu.Lock()
	if s.handles[sessionID] == h {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()

	s.provisioner.Teardown(ctx, h)
	if _, err := s.pool.Exec(ctx,
		"UPDATE sessions SET sandbox_id = NULL, sandbox_url = NULL WHERE id = $1", sessionID); err != nil {
		slog.Warn("failed to clear sandbox record", "session_id", sessionID, "error", err.Error())
	}
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}
