// Package apikey authenticates bearer tokens against the static keys
// in the server configuration. Secrets are SHA-256 hashed at load time
// and matched in constant time; plaintext never stays in memory.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/datachat-dev/datachat/pkg/auth"
)

// Key is one configured API key and the identity it grants. Tier picks
// the rate limit bucket, TenantID lands in identity metadata.
type Key struct {
	Secret   string
	Subject  string
	Tier     string
	TenantID string
	Scopes   []string
}

// Authenticator matches bearer tokens against hashed keys.
type Authenticator struct {
	entries []entry
}

type entry struct {
	hash     [sha256.Size]byte
	identity auth.Identity
}

// New hashes the configured keys into an authenticator.
func New(keys []Key) *Authenticator {
	a := &Authenticator{entries: make([]entry, 0, len(keys))}
	for _, k := range keys {
		id := auth.Identity{
			Subject:     k.Subject,
			ServiceTier: k.Tier,
			Scopes:      k.Scopes,
			Metadata:    map[string]string{},
		}
		if k.TenantID != "" {
			id.Metadata["tenant_id"] = k.TenantID
		}
		a.entries = append(a.entries, entry{
			hash:     sha256.Sum256([]byte(k.Secret)),
			identity: id,
		})
	}
	return a
}

// Authenticate votes on the request's Authorization header: Abstain
// without a bearer scheme, No for an unknown token, Yes with the key's
// identity on a match.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.Result{Decision: auth.Abstain}
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	// Every entry is compared so timing reveals nothing about which key
	// prefix matched.
	sum := sha256.Sum256([]byte(token))
	var matched *auth.Identity
	for i := range a.entries {
		if subtle.ConstantTimeCompare(sum[:], a.entries[i].hash[:]) == 1 {
			id := a.entries[i].identity
			matched = &id
		}
	}
	if matched == nil {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	return auth.Result{Decision: auth.Yes, Identity: matched}
}
