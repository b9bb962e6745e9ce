package session

import "errors"

// Sentinel errors for session operations.
var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoDocuments is returned when a document operation runs against a
	// session whose manifest contains no document files.
	ErrNoDocuments = errors.New("no documents uploaded")
)
