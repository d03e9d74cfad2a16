package handler

import (
	"context"
	"errors"
	"net/http"

	"ecopuntos-rewards/internal/account"
	"ecopuntos-rewards/internal/backend"
	"ecopuntos-rewards/internal/catalog"
	"ecopuntos-rewards/internal/points"
	"ecopuntos-rewards/internal/redemption"
	"ecopuntos-rewards/internal/session"
	"ecopuntos-rewards/internal/validation"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeSuspended          = "ACCOUNT_SUSPENDED"
	CodeNotFound           = "NOT_FOUND"
	CodeRewardNotFound     = "REWARD_NOT_FOUND"
	CodeInsufficientPoints = "INSUFFICIENT_POINTS"
	CodeNoSelection        = "NO_SELECTION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInProgress         = "REDEMPTION_IN_PROGRESS"
	CodeInvalidReward      = "INVALID_REWARD"
	CodeBackendRejected    = "BACKEND_REJECTED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodeFeatureDisabled    = "FEATURE_DISABLED"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

type apiError struct {
	status  int
	code    string
	message string
}

// mapError converts domain and backend errors to a status, a code and a
// message that is safe to show. Unknown errors become a generic 500.
func mapError(err error) apiError {
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return apiError{http.StatusBadRequest, CodeValidation, ve.Error()}
	}

	switch {
	case errors.Is(err, session.ErrMissingToken):
		return apiError{http.StatusUnauthorized, CodeUnauthorized, "bearer token is required"}

	case errors.Is(err, catalog.ErrNotCached):
		return apiError{http.StatusNotFound, CodeRewardNotFound, "reward not found in catalog"}

	case errors.Is(err, redemption.ErrInsufficientPoints):
		return apiError{http.StatusUnprocessableEntity, CodeInsufficientPoints, err.Error()}

	case errors.Is(err, redemption.ErrNoSelection):
		return apiError{http.StatusConflict, CodeNoSelection, "no reward selected"}

	case errors.Is(err, redemption.ErrInvalidTransition):
		return apiError{http.StatusConflict, CodeInvalidTransition, err.Error()}

	case errors.Is(err, redemption.ErrInFlight):
		return apiError{http.StatusConflict, CodeInProgress, "a redemption is being confirmed"}

	case errors.Is(err, points.ErrInvalidCost):
		return apiError{http.StatusUnprocessableEntity, CodeInvalidReward, "reward has an invalid cost"}

	case errors.Is(err, redemption.ErrClosed),
		errors.Is(err, catalog.ErrClosed),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, account.ErrNotLoaded):
		return apiError{http.StatusServiceUnavailable, CodeSessionClosed, "session is not available"}

	case errors.Is(err, backend.ErrSuspended):
		return apiError{http.StatusForbidden, CodeSuspended, "account is suspended"}

	case errors.Is(err, backend.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, CodeUnauthorized, "invalid or expired token"}

	case errors.Is(err, backend.ErrNotFound):
		return apiError{http.StatusNotFound, CodeNotFound, "not found"}

	case errors.Is(err, backend.ErrRejected):
		var be *backend.APIError
		if errors.As(err, &be) {
			code := be.Code
			if code == "" {
				code = CodeBackendRejected
			}
			return apiError{be.StatusCode, code, be.Message}
		}
		return apiError{http.StatusUnprocessableEntity, CodeBackendRejected, err.Error()}

	case errors.Is(err, backend.ErrTransport):
		return apiError{http.StatusBadGateway, CodeBackendUnavailable, "rewards service is unreachable"}

	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, CodeTimeout, "request timed out"}
	}

	var be *backend.APIError
	if errors.As(err, &be) {
		return apiError{http.StatusBadGateway, CodeBackendUnavailable, "rewards service failed"}
	}

	return apiError{http.StatusInternalServerError, CodeInternal, "internal server error"}
}
