// Package transport serves the datachat REST API over HTTP.
//
// It deserializes incoming requests into the types defined in pkg/api,
// dispatches them to the engine and the session store, and serializes
// responses and typed errors back as JSON. Routing uses net/http with
// Go 1.22+ ServeMux patterns.
//
// Middleware provides panic recovery, request ID propagation
// (X-Request-ID), structured request logging via log/slog, and Prometheus
// request metrics. Authentication middleware from pkg/auth is layered on
// top by the server wiring.
package transport
