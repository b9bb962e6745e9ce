// Package jwt authenticates bearer tokens as RSA-signed JWTs verified
// against a JWKS endpoint. Claims map onto the identity the rest of the
// server keys on: the subject scopes session access, the tier claim
// selects the rate limit, and the tenant claim lands in metadata.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/datachat-dev/datachat/pkg/auth"
	"github.com/datachat-dev/datachat/pkg/debug"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Config describes which tokens are acceptable and where their claims
// land on the identity. Empty Issuer or Audience skips that check.
type Config struct {
	Issuer   string
	Audience string

	// JWKSURL is the endpoint serving the signing keys.
	JWKSURL string

	// SubjectClaim names the claim that becomes Identity.Subject.
	// Default "sub".
	SubjectClaim string

	// TierClaim names the claim that becomes Identity.ServiceTier, the
	// key the rate limiter buckets by. Default "tier".
	TierClaim string

	// TenantClaim names the claim stored as tenant_id metadata.
	// Default "tenant_id".
	TenantClaim string

	// ScopeClaim names the claim holding authorization scopes, either a
	// space-separated string or a JSON array. Default "scope".
	ScopeClaim string

	// KeyCacheTTL bounds how long fetched signing keys are reused.
	// Default one hour.
	KeyCacheTTL time.Duration

	// HTTPClient fetches the JWKS. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.ScopeClaim == "" {
		c.ScopeClaim = "scope"
	}
	if c.KeyCacheTTL == 0 {
		c.KeyCacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Authenticator verifies JWT bearer tokens.
type Authenticator struct {
	cfg  Config
	keys *keySet
}

// New creates a JWT authenticator.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()
	return &Authenticator{
		cfg: cfg,
		keys: &keySet{
			url:    cfg.JWKSURL,
			ttl:    cfg.KeyCacheTTL,
			client: cfg.HTTPClient,
			byKID:  map[string]*rsa.PublicKey{},
		},
	}
}

// Authenticate votes on the request's Authorization header.
//
//   - Abstain: no bearer token at all
//   - No: a bearer token that fails verification
//   - Yes: a verified token, with the claims mapped onto the identity
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	raw, present := bearerToken(r)
	if !present {
		return auth.Result{Decision: auth.Abstain}
	}
	if raw == "" {
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("empty bearer token")}
	}

	token, err := jwtlib.Parse(raw, a.signingKey(ctx), a.parserOptions()...)
	if err != nil {
		debug.Log("auth", "jwt rejected", "error", err.Error())
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("invalid JWT claims")}
	}

	id, err := a.identityFromClaims(claims)
	if err != nil {
		return auth.Result{Decision: auth.No, Err: err}
	}
	return auth.Result{Decision: auth.Yes, Identity: id}
}

// signingKey resolves the verification key for a token by its kid
// header. Only RSA signatures are accepted.
func (a *Authenticator) signingKey(ctx context.Context) jwtlib.Keyfunc {
	return func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		key, err := a.keys.lookup(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("resolving signing key %q: %w", kid, err)
		}
		return key, nil
	}
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.cfg.Audience))
	}
	return opts
}

// identityFromClaims maps verified claims onto an identity. A token
// without a subject authenticates nobody and is rejected.
func (a *Authenticator) identityFromClaims(claims jwtlib.MapClaims) (*auth.Identity, error) {
	subject := stringClaim(claims, a.cfg.SubjectClaim)
	if subject == "" {
		return nil, fmt.Errorf("JWT missing %q claim", a.cfg.SubjectClaim)
	}
	id := &auth.Identity{
		Subject:     subject,
		ServiceTier: stringClaim(claims, a.cfg.TierClaim),
		Scopes:      scopeClaim(claims, a.cfg.ScopeClaim),
		Metadata:    map[string]string{},
	}
	if tenant := stringClaim(claims, a.cfg.TenantClaim); tenant != "" {
		id.Metadata["tenant_id"] = tenant
	}
	return id, nil
}

// bearerToken returns the token from an Authorization header. The
// second return is false when the request carries no bearer scheme at
// all, which is the abstain case.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// scopeClaim accepts both encodings in the wild: "read write" and
// ["read", "write"].
func scopeClaim(claims jwtlib.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case string:
		if fields := strings.Fields(v); len(fields) > 0 {
			return fields
		}
	case []interface{}:
		var scopes []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

// keySet caches the RSA public keys published at a JWKS endpoint,
// refetching when the TTL lapses or an unknown kid shows up.
type keySet struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	byKID     map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func (s *keySet) lookup(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, fresh := s.cached(kid)
	s.mu.RUnlock()
	if fresh {
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have refreshed while we waited for the lock.
	if key, fresh := s.cached(kid); fresh {
		return key, nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := s.byKID[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

func (s *keySet) cached(kid string) (*rsa.PublicKey, bool) {
	if time.Since(s.fetchedAt) >= s.ttl {
		return nil, false
	}
	key, ok := s.byKID[kid]
	return key, ok
}

// refresh replaces the key set from the endpoint. Caller holds the
// write lock.
func (s *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS response: %w", err)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			slog.Warn("skipping malformed JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	s.byKID = keys
	s.fetchedAt = time.Now()
	debug.Log("auth", "JWKS refreshed", "keys", len(keys), "url", s.url)
	return nil
}

// jwk is one entry of a JSON Web Key Set, RSA fields only.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, fmt.Errorf("RSA exponent too large")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}
