// Package session defines the session store contract shared across
// backend implementations, plus sentinel errors.
//
// A session owns at most one live sandbox, the manifest of files uploaded
// into it, and a lock serializing queries against it. Backends (memory,
// postgres) implement the Store interface; sandbox lifecycle rules are
// identical across backends.
package session
