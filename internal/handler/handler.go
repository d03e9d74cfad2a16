package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ecopuntos-rewards/internal/catalog"
	"ecopuntos-rewards/internal/features"
	"ecopuntos-rewards/internal/models"
	"ecopuntos-rewards/internal/observability"
	"ecopuntos-rewards/internal/redemption"
	"ecopuntos-rewards/internal/restoration"
	"ecopuntos-rewards/internal/session"
	"ecopuntos-rewards/internal/validation"
)

// Sessions opens the session of a bearer token.
type Sessions interface {
	Open(ctx context.Context, token string) (*session.Session, error)
}

// ReceiptLister reads locally kept redemption receipts.
type ReceiptLister interface {
	ListReceipts(ctx context.Context, userID string, limit int) ([]models.Receipt, error)
}

// RestorationReader reports the suspension countdown of a user.
type RestorationReader interface {
	Status(ctx context.Context, userID string, now time.Time) (restoration.Status, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	sessions    Sessions
	receipts    ReceiptLister
	restoration RestorationReader
	features    *features.Manager
	adminToken  string
	logger      *observability.Logger
	maxBodySize int64
	now         func() time.Time
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Receipts    ReceiptLister
	Restoration RestorationReader
	Features    *features.Manager
	AdminToken  string
	Logger      *observability.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(sessions Sessions) *Handler {
	return NewHandlerWithOptions(sessions, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(sessions Sessions, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Handler{
		sessions:    sessions,
		receipts:    opts.Receipts,
		restoration: opts.Restoration,
		features:    opts.Features,
		adminToken:  opts.AdminToken,
		logger:      opts.Logger,
		maxBodySize: opts.MaxBodySize,
		now:         time.Now,
	}
}

// Register mounts the session routes on r. Every route requires a bearer
// token.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)

		r.Route("/me", func(r chi.Router) {
			r.Get("/", h.GetMe)
			r.Post("/refresh", h.RefreshMe)
			r.Get("/restoration", h.GetRestoration)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/", h.GetCatalog)
			r.Post("/refresh", h.RefreshCatalog)
			r.Post("/rewards", h.CreateReward)
			r.Patch("/rewards/{id}", h.UpdateReward)
			r.Delete("/rewards/{id}", h.DeleteReward)
		})

		r.Route("/redemption", func(r chi.Router) {
			r.Get("/", h.GetRedemption)
			r.Post("/select", h.SelectReward)
			r.Post("/request", h.RequestRedeem)
			r.Post("/confirm", h.ConfirmRedeem)
			r.Post("/cancel", h.CancelRedeem)
		})

		r.Get("/redemptions", h.ListRedemptions)
	})

	if h.features != nil {
		r.Route("/features", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/", h.ListFeatures)
			r.Put("/{name}", h.SetFeature)
		})
	}
}

// RequireAdmin checks the X-Admin-Token header when an admin token is
// configured. Without one the routes are open.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Token")), []byte(h.adminToken)) != 1 {
			h.respondJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "admin token required", Code: CodeUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionKey struct{}

// RequireSession opens the session for the request's bearer token.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.respondError(w, r, session.ErrMissingToken)
			return
		}

		s, err := h.sessions.Open(r.Context(), token)
		if err != nil {
			h.respondError(w, r, err)
			return
		}

		ctx := observability.WithFields(r.Context(),
			observability.Field{Key: "session_id", Value: s.ID},
			observability.Field{Key: "user_id", Value: s.Account.ID()},
		)
		ctx = context.WithValue(ctx, sessionKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return s
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// GetMe handles GET /me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := sessionFrom(r).Account.User()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, user)
}

// RefreshMe handles POST /me/refresh
func (h *Handler) RefreshMe(w http.ResponseWriter, r *http.Request) {
	user, err := sessionFrom(r).Account.Refresh(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, user)
}

// GetRestoration handles GET /me/restoration
func (h *Handler) GetRestoration(w http.ResponseWriter, r *http.Request) {
	if h.restoration == nil {
		h.respondJSON(w, http.StatusOK, models.RestorationResponse{})
		return
	}

	st, err := h.restoration.Status(r.Context(), sessionFrom(r).Account.ID(), h.now())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.RestorationResponse{
		Suspended: st.Suspended,
		Until:     st.Until,
		Days:      st.Days,
		Hours:     st.Hours,
		Minutes:   st.Minutes,
	})
}

// GetCatalog handles GET /catalog?category=
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	category, ok := h.categoryParam(w, r)
	if !ok {
		return
	}

	store := sessionFrom(r).Catalog
	h.respondJSON(w, http.StatusOK, catalogResponse(store.State(), category, store.Filter(category)))
}

// RefreshCatalog handles POST /catalog/refresh?category=
func (h *Handler) RefreshCatalog(w http.ResponseWriter, r *http.Request) {
	category, ok := h.categoryParam(w, r)
	if !ok {
		return
	}

	s := sessionFrom(r)
	st, err := s.RefreshCatalog(r.Context(), category)
	switch {
	case err == nil, errors.Is(err, catalog.ErrSuperseded):
		h.respondJSON(w, http.StatusOK, catalogResponse(st, category, s.Catalog.Filter(category)))
	case st.Status == catalog.StatusFailed:
		// The last good items are still served next to the error.
		resp := catalogResponse(st, category, s.Catalog.Filter(category))
		h.respondJSON(w, mapError(err).status, resp)
	default:
		h.respondError(w, r, err)
	}
}

func catalogResponse(st catalog.State, category models.Category, items []models.Reward) models.CatalogResponse {
	if category == "" {
		category = models.CategoryAll
	}
	resp := models.CatalogResponse{
		Status:    st.Status.String(),
		Category:  category,
		Stale:     st.Stale,
		FetchedAt: st.FetchedAt,
		Rewards:   items,
	}
	if st.Err != nil {
		resp.Error = mapError(st.Err).message
	}
	return resp
}

func (h *Handler) categoryParam(w http.ResponseWriter, r *http.Request) (models.Category, bool) {
	raw := strings.ToLower(validation.SanitizeString(r.URL.Query().Get("category")))
	category := models.Category(raw)
	if err := validation.ValidateCategory(category); err != nil {
		h.respondError(w, r, err)
		return "", false
	}
	return category, true
}

// CreateReward handles POST /catalog/rewards
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req models.Reward
	if !h.decodeBody(w, r, &req) {
		return
	}

	created, err := sessionFrom(r).Catalog.Create(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// UpdateReward handles PATCH /catalog/rewards/{id}. Omitted fields keep
// the cached value.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	var req models.RewardPatch
	if !h.decodeBody(w, r, &req) {
		return
	}

	updated, err := sessionFrom(r).Catalog.Patch(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteReward handles DELETE /catalog/rewards/{id}
func (h *Handler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).Catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRedemption handles GET /redemption
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, redemptionResponse(sessionFrom(r).Flow.View()))
}

// SelectReward handles POST /redemption/select
func (h *Handler) SelectReward(w http.ResponseWriter, r *http.Request) {
	var req models.SelectRewardRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.RewardID = validation.SanitizeString(req.RewardID)
	if req.RewardID == "" {
		h.respondError(w, r, &validation.ValidationError{Field: "reward_id", Message: "is required"})
		return
	}

	s := sessionFrom(r)
	if err := s.SelectReward(req.RewardID); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, redemptionResponse(s.Flow.View()))
}

// RequestRedeem handles POST /redemption/request
func (h *Handler) RequestRedeem(w http.ResponseWriter, r *http.Request) {
	flow := sessionFrom(r).Flow
	if err := flow.RequestRedeem(); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, redemptionResponse(flow.View()))
}

// ConfirmRedeem handles POST /redemption/confirm
func (h *Handler) ConfirmRedeem(w http.ResponseWriter, r *http.Request) {
	flow := sessionFrom(r).Flow
	if _, err := flow.Confirm(r.Context()); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, redemptionResponse(flow.View()))
}

// CancelRedeem handles POST /redemption/cancel
func (h *Handler) CancelRedeem(w http.ResponseWriter, r *http.Request) {
	flow := sessionFrom(r).Flow
	if err := flow.Cancel(); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, redemptionResponse(flow.View()))
}

func redemptionResponse(v redemption.View) models.RedemptionResponse {
	resp := models.RedemptionResponse{
		Phase:       v.Phase.String(),
		Reward:      v.Reward,
		LastReceipt: v.LastReceipt,
	}
	if v.Quote != nil {
		resp.Quote = &models.QuoteResponse{
			UserPoints:   v.Quote.UserPoints,
			CanRedeem:    v.Quote.CanRedeem,
			PointsNeeded: v.Quote.PointsNeeded,
			PointsAfter:  v.Quote.PointsAfter,
		}
	}
	if v.Err != nil {
		resp.Error = mapError(v.Err).message
	}
	return resp
}

// ListRedemptions handles GET /redemptions?limit=
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil || !h.features.IsEnabled(features.FeatureReceiptHistory) {
		h.respondJSON(w, http.StatusNotFound, models.ErrorResponse{
			Error: "receipt history is disabled",
			Code:  CodeFeatureDisabled,
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, &validation.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		limit = n
	}

	receipts, err := h.receipts.ListReceipts(r.Context(), sessionFrom(r).Account.ID(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, receipts)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.features.List())
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.respondError(w, r, &validation.ValidationError{Field: "enabled", Message: "is required"})
		return
	}

	name := chi.URLParam(r, "name")
	if !h.features.Set(name, *req.Enabled) {
		h.respondJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "unknown feature " + name, Code: CodeNotFound})
		return
	}

	h.logger.Info(observability.WithFields(r.Context(),
		observability.Field{Key: "feature", Value: name},
		observability.Field{Key: "enabled", Value: *req.Enabled},
	), "feature flag changed")
	h.respondJSON(w, http.StatusOK, features.FeatureFlag{Name: name, Enabled: *req.Enabled})
}

// decodeBody reads a JSON body into dst, answering 400 on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "request body is required", Code: CodeValidation})
			return false
		}
		h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid JSON in request body", Code: CodeValidation})
		return false
	}
	return true
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps err and sends it as an error response. Server-side
// failures are logged with the original error.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := mapError(err)

	ctx := observability.WithFields(r.Context(),
		observability.Field{Key: "status_code", Value: apiErr.status},
		observability.Field{Key: "error_code", Value: apiErr.code},
	)
	if apiErr.status >= http.StatusInternalServerError {
		h.logger.Error(ctx, "request failed", err)
	} else {
		h.logger.Debug(ctx, "request rejected")
	}

	h.respondJSON(w, apiErr.status, models.ErrorResponse{Error: apiErr.message, Code: apiErr.code})
}
