package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datachat-dev/datachat/pkg/api"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP
// status code.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeSandboxTimeout:
		return http.StatusGatewayTimeout
	case api.ErrorTypeSandboxUnreachable:
		return http.StatusServiceUnavailable
	case api.ErrorTypeModelError:
		return http.StatusBadGateway
	default:
		// server_error, code_generation_error, and anything unmapped.
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// envelope from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteError writes err as a JSON error response. Non-APIError values are
// wrapped as opaque server errors so internal details never leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError("internal error")
	}
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
