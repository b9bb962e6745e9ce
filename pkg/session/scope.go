package session

import (
	"context"

	"github.com/datachat-dev/datachat/pkg/auth"
)

// ScopedID returns the store key for a caller's session. When the request
// carries an authenticated identity the key is prefixed with its subject,
// so one caller can never address another caller's session by guessing its
// client-chosen identifier. Without auth the client identifier is the key.
//
// The prefix stays server-side: wire responses and chart URLs carry the
// client-chosen identifier only.
func ScopedID(ctx context.Context, sessionID string) string {
	if id := auth.IdentityFromContext(ctx); id != nil && id.Subject != "" {
		return id.Subject + "/" + sessionID
	}
	return sessionID
}
