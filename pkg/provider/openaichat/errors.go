package openaichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/datachat-dev/datachat/pkg/api"
)

// mapHTTPError converts a non-2xx backend response into an APIError.
// 429 is the only retryable status; authentication failures are fatal
// server-side misconfiguration, not something the caller can fix.
func mapHTTPError(resp *http.Response) error {
	msg := extractErrorMessage(resp.Body)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return api.NewInvalidRequestError("", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return api.NewServerError(fmt.Sprintf("backend authentication failed: %s", msg))
	case http.StatusNotFound:
		return api.NewNotFoundError(msg)
	case http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(msg)
	default:
		if resp.StatusCode >= 500 {
			return api.NewModelError(fmt.Sprintf("backend error (HTTP %d): %s", resp.StatusCode, msg))
		}
		return api.NewServerError(fmt.Sprintf("unexpected backend status %d: %s", resp.StatusCode, msg))
	}
}

// mapNetworkError converts transport-level failures into APIErrors.
func mapNetworkError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewModelError("backend request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return api.NewServerError("request canceled")
	}
	return api.NewModelError(fmt.Sprintf("backend unreachable: %s", err.Error()))
}

// extractErrorMessage reads a bounded amount of the error body and pulls
// out the backend's error message if it is in the standard JSON shape.
func extractErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no error details available"
	}

	var errResp chatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return string(data)
}
