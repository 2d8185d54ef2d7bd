package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// defaultTimeout bounds the short REST queries.
	defaultTimeout = 15 * time.Second

	// chunkTimeout is the long fixed timeout for chunk and direct-transfer
	// calls, sized for large files on slow links.
	chunkTimeout = 10 * time.Minute

	// SessionHeader carries the server-assigned session identifier on
	// upload responses.
	SessionHeader = "X-Session-Id"
)

// ErrUpstream is returned when the upstream answers with a non-2xx status.
var ErrUpstream = errors.New("ingest: upstream error")

// Client is the upstream ingestion API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	longClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the upstream API at baseURL. token may be
// empty when the upstream is unauthenticated.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("ingest: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("ingest: invalid base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		longClient: &http.Client{Timeout: chunkTimeout},
		logger:     logger,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: status %d", ErrUpstream, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ListDocuments returns the canonical document list with pagination totals.
func (c *Client) ListDocuments(ctx context.Context) (DocumentList, error) {
	var list DocumentList
	if err := c.getJSON(ctx, "/api/documents", &list); err != nil {
		return DocumentList{}, err
	}
	return list, nil
}

// Stats returns knowledge-base statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := c.getJSON(ctx, "/api/stats", &st); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// SessionStatus queries one upload session's status during reconnection.
// A 404 maps to SessionNotFound without error.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return SessionNotFound, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: session %s: status %d", ErrUpstream, sessionID, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode session status: %w", err)
	}
	return body.Status, nil
}

// ActiveSessions returns the upstream's authoritative in-progress list.
func (c *Client) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var sessions []ActiveSession
	if err := c.getJSON(ctx, "/api/sessions/active", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// UploadDirect streams a whole file in one request. The returned body is the
// upstream's live progress-event stream for the new session; the session
// identifier arrives in the SessionHeader response header. The caller owns
// closing the body.
func (c *Client) UploadDirect(ctx context.Context, name, mediaType string, size int64, r io.Reader) (sessionID string, events io.ReadCloser, err error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload/stream", r)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("X-File-Name", name)
	req.ContentLength = size

	resp, err := c.longClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("direct upload %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("%w: direct upload %s: status %d", ErrUpstream, name, resp.StatusCode)
	}
	return resp.Header.Get(SessionHeader), resp.Body, nil
}

// InitChunked opens a chunked upload session and returns its identifier.
func (c *Client) InitChunked(ctx context.Context, name, mediaType string, size int64, chunkSize int64) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"filename":  name,
		"mediaType": mediaType,
		"size":      size,
		"chunkSize": chunkSize,
	})
	if err != nil {
		return "", fmt.Errorf("marshal init payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload/init", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("init chunked upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: init chunked upload %s: status %d", ErrUpstream, name, resp.StatusCode)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode init response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("%w: init returned empty session id", ErrUpstream)
	}
	return body.SessionID, nil
}

// UploadChunk sends one chunk by index.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	path := "/api/upload/" + url.PathEscape(sessionID) + "/chunk/" + strconv.Itoa(index)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.longClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk %d of %s: %w", index, sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: chunk %d of %s: status %d", ErrUpstream, index, sessionID, resp.StatusCode)
	}
	return nil
}

// FinalizeChunked closes a chunked session. The returned body is the
// upstream's live progress-event stream, same as for direct transfers; the
// caller owns closing it.
func (c *Client) FinalizeChunked(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload/"+url.PathEscape(sessionID)+"/finalize", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.longClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", sessionID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: finalize %s: status %d", ErrUpstream, sessionID, resp.StatusCode)
	}
	return resp.Body, nil
}
