package practice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for the matcher's request/response calls. Both are
// recoverable: the caller decides the user-facing behavior.
var (
	// ErrMatchNotFound means no compatible partner is available right now.
	ErrMatchNotFound = errors.New("practice: no match found")

	// ErrNoActiveSession means the matcher has no ACTIVE session for the
	// caller.
	ErrNoActiveSession = errors.New("practice: no active session")
)

// MatcherClient talks to the external matching service over HTTP. The
// matching algorithm itself lives server-side; this client only issues
// request/response calls.
type MatcherClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewMatcherClient creates a client for the matcher at baseURL. The token,
// when non-empty, is sent as a bearer credential on every request.
func NewMatcherClient(baseURL, token string) *MatcherClient {
	return &MatcherClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FindMatch asks the matcher for a partner. It returns ErrMatchNotFound when
// the matcher reports no available partner.
func (c *MatcherClient) FindMatch(ctx context.Context, req MatchRequest) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/peer-practice/find-match", req, &session)
	if errors.Is(err, errStatusNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("practice: find match: %w", err)
	}
	return &session, nil
}

// ActiveSession probes for an existing ACTIVE session, e.g. after a page
// reload. It returns ErrNoActiveSession when none exists.
func (c *MatcherClient) ActiveSession(ctx context.Context) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodGet, "/peer-practice/active", nil, &session)
	if errors.Is(err, errStatusNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("practice: active session: %w", err)
	}
	return &session, nil
}

// EndSession tells the matcher the session is over. Ending is terminal.
func (c *MatcherClient) EndSession(ctx context.Context, sessionID int64) error {
	path := fmt.Sprintf("/peer-practice/%d/end", sessionID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("practice: end session %d: %w", sessionID, err)
	}
	return nil
}

// History returns the caller's past sessions, most recent first.
func (c *MatcherClient) History(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/peer-practice/history", nil, &sessions); err != nil {
		return nil, fmt.Errorf("practice: history: %w", err)
	}
	return sessions, nil
}

// errStatusNotFound distinguishes a 404 from other HTTP failures so callers
// can map it to the appropriate sentinel.
var errStatusNotFound = errors.New("status 404")

func (c *MatcherClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errStatusNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
