package auth

import (
	"context"
	"errors"
	"net/http"
)

// Decision is one authenticator's vote on a request.
type Decision int

const (
	// Yes accepts the credentials; the vote carries an identity.
	Yes Decision = iota

	// No rejects credentials that were presented but did not verify.
	No

	// Abstain passes on a credential type this authenticator does not
	// handle, letting the chain continue.
	Abstain
)

// Result is the outcome of an authentication attempt. Identity is set
// on Yes, Err on No.
type Result struct {
	Decision Decision
	Identity *Identity
	Err      error
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject uniquely names the caller. Session store keys are
	// prefixed with it, so it must be non-empty on any Yes vote.
	Subject string

	// ServiceTier selects the caller's rate limit bucket.
	ServiceTier string

	// Scopes lists granted authorization scopes.
	Scopes []string

	// Metadata carries provider-specific attributes. "tenant_id" is the
	// conventional key for multi-tenant deployments.
	Metadata map[string]string
}

// TenantID returns the tenant from metadata, or "".
func (id *Identity) TenantID() string {
	if id == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

// Authenticator examines a request's credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain runs authenticators left to right and returns the first
// non-abstaining vote. DefaultDecision settles a request every voter
// abstained on: Yes grants the anonymous identity, anything else
// rejects.
type Chain struct {
	Authenticators  []Authenticator
	DefaultDecision Decision
}

// Authenticate runs the chain.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.Authenticators {
		if result := a.Authenticate(ctx, r); result.Decision != Abstain {
			return result
		}
	}
	if c.DefaultDecision == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// Anonymous is the identity of an unauthenticated caller in deployments
// that allow them. It still gets a subject so rate limiting and session
// scoping have a key to work with.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: "default"}
}
