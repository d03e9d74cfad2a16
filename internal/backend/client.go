// Package backend is the REST client for the rewards, current-user and
// redemption services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ecopuntos-rewards/internal/models"
)

const (
	defaultTimeout         = 15 * time.Second
	defaultCurrentUserPath = "/users/me"
	defaultRedeemPath      = "/rewards/{id}/redeem"
	maxResponseBody        = 4 << 20
)

// Config holds client configuration.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	CurrentUserPath string
	// RedeemPath may contain an {id} placeholder for the reward id.
	RedeemPath string
	UserAgent  string
}

// Client talks to the backend on behalf of one bearer token.
type Client struct {
	baseURL         string
	currentUserPath string
	redeemPath      string
	userAgent       string
	token           string
	httpClient      *http.Client
	tracer          trace.Tracer
}

// New creates a client without credentials. Use WithToken to bind a user.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	currentUserPath := cfg.CurrentUserPath
	if currentUserPath == "" {
		currentUserPath = defaultCurrentUserPath
	}
	redeemPath := cfg.RedeemPath
	if redeemPath == "" {
		redeemPath = defaultRedeemPath
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "ecopuntos-rewards"
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		currentUserPath: currentUserPath,
		redeemPath:      redeemPath,
		userAgent:       userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tracer: otel.Tracer("ecopuntos-rewards/backend"),
	}
}

// WithToken returns a copy of the client that authenticates as token. The
// copy shares the underlying HTTP client and its connection pool.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// ListRewards reads the catalog. A concrete category asks the backend for
// the filtered subset.
func (c *Client) ListRewards(ctx context.Context, category models.Category) ([]models.Reward, error) {
	path := "/rewards"
	if !category.IsAll() {
		path += "?category=" + url.QueryEscape(string(category))
	}

	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	return decodeRewardList(body)
}

// CreateReward creates a reward and returns the stored record.
func (c *Client) CreateReward(ctx context.Context, reward models.Reward) (models.Reward, error) {
	var out models.Reward
	body, err := c.do(ctx, http.MethodPost, "/rewards", reward, nil)
	if err != nil {
		return out, err
	}
	return out, decodeRecord(body, &out, "reward")
}

// UpdateReward patches a reward and returns the stored record.
func (c *Client) UpdateReward(ctx context.Context, reward models.Reward) (models.Reward, error) {
	var out models.Reward
	body, err := c.do(ctx, http.MethodPatch, "/rewards/"+url.PathEscape(reward.ID), reward, nil)
	if err != nil {
		return out, err
	}
	return out, decodeRecord(body, &out, "reward")
}

// DeleteReward removes a reward.
func (c *Client) DeleteReward(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/rewards/"+url.PathEscape(id), nil, nil)
	return err
}

// CurrentUser reads the authenticated user, including the point balance.
func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var out models.User
	body, err := c.do(ctx, http.MethodGet, c.currentUserPath, nil, nil)
	if err != nil {
		return out, err
	}
	return out, decodeRecord(body, &out, "user")
}

// Redeem asks the backend to debit the reward's cost and issue a code.
// The idempotency key lets the backend collapse retries of one intent.
func (c *Client) Redeem(ctx context.Context, rewardID, idempotencyKey string) (models.Redemption, error) {
	var out models.Redemption
	path := strings.ReplaceAll(c.redeemPath, "{id}", url.PathEscape(rewardID))

	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	payload := map[string]string{"rewardId": rewardID}

	body, err := c.do(ctx, http.MethodPost, path, payload, headers)
	if err != nil {
		return out, err
	}
	if err := decodeRecord(body, &out, "redemption"); err != nil {
		return out, err
	}
	if out.RewardID == "" {
		out.RewardID = rewardID
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, headers map[string]string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+routeName(path),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", req.URL.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseAPIError(resp.StatusCode, body)
		span.SetStatus(codes.Error, apiErr.Message)
		return nil, apiErr
	}

	return body, nil
}

// decodeRewardList accepts a bare array or an array wrapped in "data" or
// "rewards".
func decodeRewardList(body []byte) ([]models.Reward, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []models.Reward{}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode rewards: invalid JSON")
	}

	raw := gjson.ParseBytes(body)
	if !raw.IsArray() {
		found := false
		for _, key := range []string{"data", "rewards", "items"} {
			if v := raw.Get(key); v.IsArray() {
				raw = v
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("decode rewards: no reward list in response")
		}
	}

	rewards := make([]models.Reward, 0, len(raw.Array()))
	if err := json.Unmarshal([]byte(raw.Raw), &rewards); err != nil {
		return nil, fmt.Errorf("decode rewards: %w", err)
	}
	return rewards, nil
}

// decodeRecord unmarshals a single object that may be wrapped in "data"
// or under the given key.
func decodeRecord(body []byte, out interface{}, key string) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("decode %s: invalid JSON", key)
	}

	raw := gjson.ParseBytes(body)
	for _, wrapper := range []string{"data", key} {
		if v := raw.Get(wrapper); v.IsObject() {
			raw = v
			break
		}
	}

	if err := json.Unmarshal([]byte(raw.Raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// routeName strips ids and query strings so span names stay low-cardinality.
func routeName(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	if len(parts) > 2 && parts[1] == "rewards" {
		parts[2] = "{id}"
	}
	return strings.Join(parts, "/")
}
