package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/datachat-dev/datachat/pkg/api"
	"github.com/datachat-dev/datachat/pkg/observability"
)

// DefaultBypassEndpoints skip authentication: probes and scrapers carry
// no credentials.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every non-bypassed request through the
// chain, rate-limits the resulting identity, and injects it into the
// request context for the handlers to scope sessions by.
func Middleware(chain *Chain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			if result.Decision != Yes || result.Identity == nil {
				if result.Err != nil {
					slog.Warn("authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", result.Err)
				}
				deny(w, http.StatusUnauthorized, api.ErrorTypeInvalidRequest, "authentication required")
				return
			}
			id := result.Identity
			if id.Subject == "" {
				// Session scoping has nothing to key on; treat it as a
				// broken authenticator rather than letting the request
				// through unscoped.
				slog.Error("authenticator yielded identity without subject", "path", r.URL.Path)
				deny(w, http.StatusInternalServerError, api.ErrorTypeServerError, "internal authentication error")
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.ServiceTier)
					observability.RateLimitRejectedTotal.WithLabelValues(id.ServiceTier).Inc()
					deny(w, http.StatusTooManyRequests, api.ErrorTypeTooManyRequests, "rate limit exceeded")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
		})
	}
}

func deny(w http.ResponseWriter, status int, errType api.ErrorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: &api.APIError{Type: errType, Message: message}})
}
