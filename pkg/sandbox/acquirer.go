package sandbox

import "context"

// Acquirer abstracts sandbox server acquisition. Static URL mode returns a
// fixed server address; Kubernetes mode creates a SandboxClaim per call.
type Acquirer interface {
	// Acquire returns a sandbox server base URL to use for the lifetime of
	// one session sandbox. The release function must be called when the
	// sandbox is closed.
	Acquire(ctx context.Context) (baseURL string, release func(), err error)
}

// StaticURLAcquirer returns a fixed sandbox server URL (development mode).
type StaticURLAcquirer struct {
	URL string
}

func (a *StaticURLAcquirer) Acquire(_ context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}
