package archive

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
	"sync"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/logging"
	"tutorchat/internal/metrics"
	"tutorchat/pkg/types"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 512

// Client talks to the backend's chat archive endpoints.
// ARCHITECTURAL DISCOVERY: the client only moves bytes; callers decide what
// a failed fetch means for local state
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	token string
}

// NewClient validates baseURL and builds a client with the given timeout.
// m may be nil.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
		metrics:    m,
	}, nil
}

// SetToken sets the bearer token sent with every request; empty disables it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Messages fetches the direct-room message list for email.
func (c *Client) Messages(ctx context.Context, room, email string) ([]types.Message, error) {
	var out []types.Message
	q := url.Values{"email": {email}}
	err := c.do(ctx, "messages", http.MethodGet, "/chat/messages/"+url.PathEscape(room), q, nil, &out)
	return out, err
}

// ArchivedPage fetches one page of older messages. Page 1 is the most
// recent archived page; an empty slice means the archive is exhausted.
func (c *Client) ArchivedPage(ctx context.Context, room string, page int) ([]types.Message, error) {
	if page < 1 {
		return nil, ErrInvalidPage
	}
	var out []types.Message
	q := url.Values{"page": {strconv.Itoa(page)}}
	err := c.do(ctx, "archived_page", http.MethodGet, "/chat/archived-messages/"+url.PathEscape(room), q, nil, &out)
	return out, err
}

// GlobalChats fetches the broadcast or support room message list.
func (c *Client) GlobalChats(ctx context.Context, room, email string) ([]types.Message, error) {
	var out []types.Message
	q := url.Values{"email": {email}}
	err := c.do(ctx, "global_chats", http.MethodGet, "/chat/global-chats/"+url.PathEscape(room), q, nil, &out)
	return out, err
}

// TeacherSummary fetches last messages and unread counts for rooms.
func (c *Client) TeacherSummary(ctx context.Context, rooms []string, email string) (*types.UnreadSummary, error) {
	if len(rooms) == 0 {
		return nil, ErrNoRooms
	}
	var out types.UnreadSummary
	q := url.Values{"rooms": {strings.Join(rooms, ",")}, "email": {email}}
	if err := c.do(ctx, "teacher_summary", http.MethodGet, "/chat/teacher-summary", q, nil, &out); err != nil {
		return nil, err
	}
	if out.UnreadCounts == nil {
		out.UnreadCounts = make(map[string]int)
	}
	if out.LastMessages == nil {
		out.LastMessages = make(map[string]*types.Message)
	}
	return &out, nil
}

// MarkDirectRead acknowledges every message in a direct room as read.
func (c *Client) MarkDirectRead(ctx context.Context, room, email string) error {
	body := map[string]string{"room": room, "email": email}
	return c.do(ctx, "mark_read", http.MethodPatch, "/chat/read-chat", nil, body, nil)
}

// MarkBroadcastRead acknowledges a broadcast or support room as read.
func (c *Client) MarkBroadcastRead(ctx context.Context, room, userID string) error {
	body := map[string]string{"room": room, "userId": userID}
	return c.do(ctx, "mark_read", http.MethodPatch, "/chat/delete-unread-global-messages", nil, body, nil)
}

func (c *Client) DeleteNormalChat(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/chat/delete-normal-chat/"+url.PathEscape(messageID), nil, nil, nil)
}

func (c *Client) DeleteGlobalChat(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/chat/delete-global-chat/"+url.PathEscape(messageID), nil, nil, nil)
}

// do performs one request. Non-2xx responses become *StatusError; out may
// be nil when the response body is irrelevant.
func (c *Client) do(ctx context.Context, kind, method, path string, query url.Values, in, out interface{}) (err error) {
	defer func() {
		if c.metrics != nil {
			c.metrics.ArchiveFetches.WithLabelValues(kind, metrics.Outcome(err)).Inc()
		}
	}()

	// path segments arrive escaped; parsing keeps them that way
	u, err := url.Parse(c.baseURL.String() + path)
	if err != nil {
		return fmt.Errorf("failed to build %s URL: %w", kind, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", kind, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", kind, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("archive_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", kind, err)
	}
	return nil
}
