package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lessongen/internal/services"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClearUserResponse is the body returned by the clear-user admin endpoint
type ClearUserResponse struct {
	UserID   string `json:"user_id"`
	Unlocked bool   `json:"unlocked"`
}

// AdminClient calls the admin API of a running server
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient creates a client for the server at baseURL
func NewAdminClient(baseURL, token string, timeout time.Duration) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Configure points the client at another server, used once root flags are parsed
func (c *AdminClient) Configure(baseURL, token string, timeout time.Duration) {
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
	c.httpClient.Timeout = timeout
}

// Stats fetches limiter, queue and provider state
func (c *AdminClient) Stats(ctx context.Context) (*services.GenerationStats, error) {
	var stats services.GenerationStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ClearUser force-unlocks one user
func (c *AdminClient) ClearUser(ctx context.Context, userID string) (*ClearUserResponse, error) {
	var resp ClearUserResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/users/"+url.PathEscape(userID)+"/clear", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearAll rejects all queued requests and unlocks every user
func (c *AdminClient) ClearAll(ctx context.Context) (*services.ClearAllResult, error) {
	var resp services.ClearAllResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/clear-all", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to build request for %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "request to %s failed: %v", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to read response from %s", path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return contextutils.WrapErrorf(err, "failed to decode response from %s", path)
	}
	return nil
}

// apiError rebuilds the AppError carried by an error response body
func apiError(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		return contextutils.NewAppError(contextutils.ErrorCodeInternalError, contextutils.SeverityError,
			fmt.Sprintf("server returned %d", status), strings.TrimSpace(string(body)))
	}
	return contextutils.NewAppError(contextutils.ErrorCode(payload.Code), contextutils.SeverityError, payload.Message, payload.Details)
}
