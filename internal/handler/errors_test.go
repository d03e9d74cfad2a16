package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"ecopuntos-rewards/internal/backend"
	"ecopuntos-rewards/internal/catalog"
	"ecopuntos-rewards/internal/redemption"
	"ecopuntos-rewards/internal/validation"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &validation.ValidationError{Field: "title", Message: "is required"}, http.StatusBadRequest, CodeValidation},
		{"not cached", fmt.Errorf("%w: r-9", catalog.ErrNotCached), http.StatusNotFound, CodeRewardNotFound},
		{"insufficient", fmt.Errorf("%w: 200 more needed", redemption.ErrInsufficientPoints), http.StatusUnprocessableEntity, CodeInsufficientPoints},
		{"in flight", redemption.ErrInFlight, http.StatusConflict, CodeInProgress},
		{"closed", catalog.ErrClosed, http.StatusServiceUnavailable, CodeSessionClosed},
		{"suspended", &backend.APIError{StatusCode: 403, Code: "ACCOUNT_SUSPENDED"}, http.StatusForbidden, CodeSuspended},
		{"forbidden", &backend.APIError{StatusCode: 403}, http.StatusUnauthorized, CodeUnauthorized},
		{"backend not found", &backend.APIError{StatusCode: 404}, http.StatusNotFound, CodeNotFound},
		{"rejected with code", &backend.APIError{StatusCode: 409, Code: "OUT_OF_STOCK", Message: "sin stock"}, http.StatusConflict, "OUT_OF_STOCK"},
		{"rejected without code", &backend.APIError{StatusCode: 422, Message: "bad"}, http.StatusUnprocessableEntity, CodeBackendRejected},
		{"backend 5xx", fmt.Errorf("redeem: %w", &backend.APIError{StatusCode: 500}), http.StatusBadGateway, CodeBackendUnavailable},
		{"transport", fmt.Errorf("%w: dial", backend.ErrTransport), http.StatusBadGateway, CodeBackendUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			assert.Equal(t, tt.status, got.status)
			assert.Equal(t, tt.code, got.code)
			assert.NotEmpty(t, got.message)
		})
	}
}

func TestMapError_DoesNotLeakInternals(t *testing.T) {
	got := mapError(errors.New("pq: password authentication failed"))
	assert.NotContains(t, got.message, "password")
}
