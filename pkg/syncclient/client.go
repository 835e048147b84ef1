// Package syncclient is a Go client for the syncd HTTP API.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	callsync "github.com/callivate/syncd/internal/sync"
	"github.com/callivate/syncd/internal/types"
)

// Wire types shared with the server.
type (
	MutationRequest   = types.MutationRequest
	ResolveRequest    = types.ResolveRequest
	StatusReport      = types.StatusReport
	ResolveResponse   = types.ResolveResponse
	RetryResponse     = types.RetryResponse
	CleanupResponse   = types.CleanupResponse
	ConflictsResponse = types.ConflictsResponse
	HealthResponse    = types.HealthResponse
	SyncRecord        = callsync.SyncRecord
	Payload           = callsync.Payload
)

// DefaultTimeout is the HTTP timeout used when no client is supplied.
const DefaultTimeout = 30 * time.Second

// Client talks to one syncd server on behalf of one owner.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client. A nil httpClient gets a client with DefaultTimeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// FieldError is one entry of a 422 response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx response decoded from application/problem+json.
type APIError struct {
	StatusCode int          `json:"status"`
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Detail     string       `json:"detail"`
	Errors     []FieldError `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("syncd: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("syncd: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Health calls GET /api/v1/health. A 503 is returned as an *APIError.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
	return out, err
}

// Queue submits mutations to POST /api/v1/sync/queue.
func (c *Client) Queue(ctx context.Context, reqs []MutationRequest) ([]SyncRecord, error) {
	var out types.QueueResponse
	body := map[string]any{"items": reqs}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/queue", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Status calls GET /api/v1/sync/status/{owner_id}. A limit of 0 uses the
// server default.
func (c *Client) Status(ctx context.Context, ownerID string, includeCompleted bool, limit int) (StatusReport, error) {
	q := url.Values{}
	if includeCompleted {
		q.Set("include_completed", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out StatusReport
	err := c.do(ctx, http.MethodGet, "/api/v1/sync/status/"+url.PathEscape(ownerID), q, nil, &out)
	return out, err
}

// ResolveConflicts submits manual decisions to POST /api/v1/sync/resolve-conflicts.
func (c *Client) ResolveConflicts(ctx context.Context, reqs []ResolveRequest) (ResolveResponse, error) {
	var out ResolveResponse
	body := map[string]any{"items": reqs}
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/resolve-conflicts", nil, body, &out)
	return out, err
}

// RetryFailed calls POST /api/v1/sync/retry-failed. A maxRetries of 0 uses
// the server default.
func (c *Client) RetryFailed(ctx context.Context, maxRetries int) (RetryResponse, error) {
	q := url.Values{}
	if maxRetries > 0 {
		q.Set("max_retries", strconv.Itoa(maxRetries))
	}
	var out RetryResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/retry-failed", q, nil, &out)
	return out, err
}

// Cleanup calls DELETE /api/v1/sync/cleanup.
func (c *Client) Cleanup(ctx context.Context, olderThanDays int) (CleanupResponse, error) {
	q := url.Values{}
	if olderThanDays > 0 {
		q.Set("older_than_days", strconv.Itoa(olderThanDays))
	}
	var out CleanupResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/sync/cleanup", q, nil, &out)
	return out, err
}

// Conflicts calls GET /api/v1/sync/conflicts.
func (c *Client) Conflicts(ctx context.Context) (ConflictsResponse, error) {
	var out ConflictsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/sync/conflicts", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads a problem document. Bodies that are not problem
// documents still yield an APIError carrying the status code.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, apiErr); err != nil {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Title == "" {
		apiErr.Title = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
