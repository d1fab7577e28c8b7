// Package remote replays queued actions against the site-management REST API.
package remote

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

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
)

const (
	// VersionHeader carries a resource's revision counter.
	VersionHeader = "X-Resource-Version"
	// BaseVersionHeader tells the server which revision an edit was made against.
	BaseVersionHeader = "X-Base-Version"
	// IdempotencyHeader lets the server drop a replayed create it already applied.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Config holds remote API connection settings.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Client implements sync.Applier and sync.VersionProber over HTTP.
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
}

var (
	_ syncpkg.Applier       = (*Client)(nil)
	_ syncpkg.VersionProber = (*Client)(nil)
)

// NewClient creates a new Client.
func NewClient(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid remote base url %q", config.BaseURL))
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "sitesync/1.0"
	}

	return &Client{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// =====================================================
// Routes
// =====================================================

// route maps an action to its REST call.
func route(rec *models.ActionRecord, p models.Payload) (method, path string, err error) {
	id := url.PathEscape(rec.ResourceID)
	switch v := p.(type) {
	case *models.CreateDailyLog:
		return http.MethodPost, "/api/v1/daily-logs", nil
	case *models.UpdateDailyLog:
		return http.MethodPut, "/api/v1/daily-logs/" + id, nil
	case *models.CreateAnnotation:
		if v.DrawingID == "" {
			return "", "", apperrors.New(apperrors.ErrValidation, "annotation create requires a drawing id")
		}
		return http.MethodPost, "/api/v1/drawings/" + url.PathEscape(v.DrawingID) + "/annotations", nil
	case *models.UpdateAnnotation:
		return http.MethodPut, "/api/v1/annotations/" + id, nil
	case *models.DeleteAnnotation:
		return http.MethodDelete, "/api/v1/annotations/" + id, nil
	case *models.AttachPhoto:
		return http.MethodPost, "/api/v1/daily-logs/" + id + "/photos", nil
	}
	return "", "", apperrors.New(apperrors.ErrSyncNoApplier, fmt.Sprintf("no route for action type %s", p.ActionType()))
}

// resourcePath returns the GET path used to probe a resource's version.
// Photo attachments are not versioned.
func resourcePath(actionType models.ActionType, resourceID string) (string, bool) {
	id := url.PathEscape(resourceID)
	switch actionType {
	case models.ActionUpdateDailyLog:
		return "/api/v1/daily-logs/" + id, true
	case models.ActionUpdateAnnotation, models.ActionDeleteAnnotation:
		return "/api/v1/annotations/" + id, true
	}
	return "", false
}

// =====================================================
// Apply
// =====================================================

// resourceResponse is the body the API returns for writes and reads.
type resourceResponse struct {
	ID      string `json:"id"`
	Version *int64 `json:"version"`
}

// conflictResponse is the body of a 409.
type conflictResponse struct {
	Version  int64           `json:"version"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Apply sends one queued action to the API.
func (c *Client) Apply(ctx context.Context, req syncpkg.ApplyRequest) (syncpkg.ApplyResult, error) {
	method, path, err := route(req.Record, req.Payload)
	if err != nil {
		return syncpkg.ApplyResult{}, err
	}

	var body []byte
	if method != http.MethodDelete {
		body, err = json.Marshal(req.Payload)
		if err != nil {
			return syncpkg.ApplyResult{}, apperrors.Serialization("encode payload", err)
		}
	}

	httpReq, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return syncpkg.ApplyResult{}, err
	}
	httpReq.Header.Set(IdempotencyHeader, req.Record.ID)
	if !req.Record.ActionType.IsCreate() {
		httpReq.Header.Set(BaseVersionHeader, strconv.FormatInt(req.Payload.Meta().BaseVersion, 10))
	}

	status, header, respBody, err := c.do(httpReq)
	if err != nil {
		return syncpkg.ApplyResult{}, err
	}

	switch {
	case status == http.StatusConflict:
		var cr conflictResponse
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return syncpkg.ApplyResult{}, apperrors.Wrap(apperrors.ErrSyncConflict, "decode conflict response", err)
		}
		return syncpkg.ApplyResult{}, &conflict.VersionConflictError{
			BaseVersion:   req.Payload.Meta().BaseVersion,
			ServerVersion: cr.Version,
			Snapshot:      cr.Snapshot,
		}
	case status == http.StatusNotFound && method == http.MethodDelete:
		// Already gone.
		return syncpkg.ApplyResult{}, nil
	case status < 200 || status > 299:
		return syncpkg.ApplyResult{}, apperrors.FromStatus(status, truncate(respBody))
	}

	result := syncpkg.ApplyResult{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		var rr resourceResponse
		if err := json.Unmarshal(respBody, &rr); err != nil {
			return syncpkg.ApplyResult{}, apperrors.Wrap(apperrors.ErrSyncServer, "decode response", err)
		}
		result.ServerID = rr.ID
		if rr.Version != nil {
			result.NewVersion = *rr.Version
		}
	}
	if v, ok := headerVersion(header); ok {
		result.NewVersion = v
	}
	return result, nil
}

// RemoteVersion fetches the server's current revision of a resource.
func (c *Client) RemoteVersion(ctx context.Context, actionType models.ActionType, resourceID string) (conflict.RemoteVersion, error) {
	path, ok := resourcePath(actionType, resourceID)
	if !ok {
		return conflict.RemoteVersion{}, nil
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return conflict.RemoteVersion{}, err
	}
	status, header, body, err := c.do(httpReq)
	if err != nil {
		return conflict.RemoteVersion{}, err
	}
	if status == http.StatusNotFound && actionType == models.ActionDeleteAnnotation {
		// Nothing left to conflict with; Apply treats the 404 as done.
		return conflict.RemoteVersion{}, nil
	}
	if status != http.StatusOK {
		return conflict.RemoteVersion{}, apperrors.FromStatus(status, truncate(body))
	}

	remote := conflict.RemoteVersion{Snapshot: json.RawMessage(body)}
	if v, ok := headerVersion(header); ok {
		remote.Version, remote.Versioned = v, true
		return remote, nil
	}
	var rr resourceResponse
	if err := json.Unmarshal(body, &rr); err == nil && rr.Version != nil {
		remote.Version, remote.Versioned = *rr.Version, true
	}
	return remote, nil
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	status, _, body, err := c.do(httpReq)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apperrors.FromStatus(status, truncate(body))
	}
	return nil
}

// =====================================================
// Transport
// =====================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// do executes req and reads at most maxBodyBytes of the response.
func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return 0, nil, nil, ctxErr
		}
		return 0, nil, nil, apperrors.Transport(fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, apperrors.Transport("read response body", err)
	}

	logging.Debug("Remote request completed", map[string]interface{}{
		"method":      req.Method,
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return resp.StatusCode, resp.Header, body, nil
}

func headerVersion(h http.Header) (int64, bool) {
	raw := h.Get(VersionHeader)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func truncate(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
