package auth

import "context"

type identityKey struct{}

// SetIdentity stores the authenticated identity in the context. Handlers
// read it to scope session access to the caller.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity, or nil when
// the request passed through a bypass endpoint or auth is disabled.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}
