// Package auth provides pluggable authentication and rate limiting for
// the datachat API.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from the
// analysis engine. The middleware injects the authenticated identity into
// the request context; handlers use the identity's subject to scope which
// sessions a caller may touch.
package auth
