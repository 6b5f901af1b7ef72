package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dermalink/consult-agent/internal/token"
)

// Notification is one record from the backend of record.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt"`
}

// Backend is the REST surface the dispatcher syncs against.
type Backend interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// Client talks to the consultation backend's notification endpoints.
// Responses come either bare or wrapped in a {resultData: ...} envelope;
// both shapes are accepted.
type Client struct {
	baseURL string
	tokens  token.Source
	http    *http.Client
}

// NewClient builds a REST client rooted at baseURL.
func NewClient(baseURL string, tokens token.Source, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// List fetches the full notification list.
func (c *Client) List(ctx context.Context) ([]Notification, error) {
	body, err := c.do(ctx, http.MethodGet, "/notifications")
	if err != nil {
		return nil, err
	}

	var items []Notification
	if err := json.Unmarshal(unwrap(body), &items); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return items, nil
}

// MarkRead flags one notification read on the backend.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("empty notification id")
	}
	_, err := c.do(ctx, http.MethodPatch, "/notifications/"+id+"/read")
	return err
}

// MarkAllRead flags every notification read on the backend.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPatch, "/notifications/read-all")
	return err
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil && !errors.Is(err, token.ErrNoToken) {
			return nil, fmt.Errorf("token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: backend returned %d", method, path, resp.StatusCode)
	}
	return body, nil
}

// unwrap strips the {resultData: ...} envelope when present.
func unwrap(body []byte) json.RawMessage {
	var env struct {
		ResultData json.RawMessage `json:"resultData"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.ResultData) > 0 {
		return env.ResultData
	}
	return body
}
