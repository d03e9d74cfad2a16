package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrTransport wraps failures where no usable response was received.
	ErrTransport    = errors.New("backend: transport failure")
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrNotFound     = errors.New("backend: not found")
	ErrSuspended    = errors.New("backend: account suspended")
	ErrRejected     = errors.New("backend: request rejected")
)

const suspendedCode = "ACCOUNT_SUSPENDED"

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels so callers can use
// errors.Is without inspecting the status.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSuspended:
		return strings.EqualFold(e.Code, suspendedCode)
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized ||
			(e.StatusCode == http.StatusForbidden && !strings.EqualFold(e.Code, suspendedCode))
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
	return false
}

// parseAPIError extracts a message and code from an error body. Backends
// disagree on the envelope, so the common shapes are probed in order.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			res := gjson.GetBytes(body, path)
			if res.Exists() && res.Type == gjson.String && res.String() != "" {
				apiErr.Message = res.String()
				break
			}
		}
		for _, path := range []string{"error.code", "code"} {
			res := gjson.GetBytes(body, path)
			if res.Exists() && res.String() != "" {
				apiErr.Code = res.String()
				break
			}
		}
	}

	if apiErr.Message == "" {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" && len(trimmed) <= 200 && !strings.HasPrefix(trimmed, "{") {
			apiErr.Message = trimmed
		} else {
			apiErr.Message = http.StatusText(status)
		}
	}

	return apiErr
}
