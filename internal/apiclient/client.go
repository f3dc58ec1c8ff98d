// Package apiclient is a fasthttp client for the chess server API.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/chess-server/pkg/chessdto"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

// APIError is a non-2xx response. Domain carries the server's error body
// when it could be decoded.
type APIError struct {
	Status int
	Domain chessdto.DomainError
	Body   string
}

func (e *APIError) Error() string {
	if e.Domain.Code != "" {
		return fmt.Sprintf("chess api error: status=%d code=%s message=%s", e.Status, e.Domain.Code, e.Domain.Message)
	}
	return fmt.Sprintf("chess api error: status=%d body=%s", e.Status, truncate(e.Body, 512))
}

// Code returns the domain code of err when it is an *APIError.
func Code(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Domain.Code
	}
	return ""
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDialer swaps the transport dialer (tests use an in-memory listener).
func WithDialer(d fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = d }
}

// UserHeaders authenticates as userID through X-User-Id.
func UserHeaders(userID string) HeaderProvider {
	return func() map[string]string { return map[string]string{"X-User-Id": userID} }
}

// BearerHeaders authenticates with a JWT. A token without the "Bearer "
// prefix gets one.
func BearerHeaders(token string) HeaderProvider {
	if !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	return func() map[string]string { return map[string]string{fasthttp.HeaderAuthorization: token} }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func gamePath(id string, suffix ...string) string {
	p := "/api/games/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *Client) Health(ctx context.Context) (*chessdto.HealthResponse, error) {
	var out chessdto.HealthResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/health", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateGame(ctx context.Context, req chessdto.CreateGameRequest) (*chessdto.Game, error) {
	var out chessdto.Game
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/api/games", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListGames(ctx context.Context) ([]chessdto.Game, error) {
	var out chessdto.GameListResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/games", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Games, nil
}

func (c *Client) GetGame(ctx context.Context, id string) (*chessdto.Game, error) {
	var out chessdto.Game
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(id), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinGame(ctx context.Context, id string) (*chessdto.Game, error) {
	return c.transition(ctx, id, "join")
}

func (c *Client) StartGame(ctx context.Context, id string) (*chessdto.Game, error) {
	return c.transition(ctx, id, "start")
}

func (c *Client) AbandonGame(ctx context.Context, id string) (*chessdto.Game, error) {
	return c.transition(ctx, id, "abandon")
}

func (c *Client) transition(ctx context.Context, id, action string) (*chessdto.Game, error) {
	var out chessdto.Game
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(id, action), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMoves(ctx context.Context, id string) ([]chessdto.Move, error) {
	var out chessdto.MoveListResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, gamePath(id, "moves"), nil, &out, true); err != nil {
		return nil, err
	}
	return out.Moves, nil
}

// Move submits a move. It retries on transient failures; the request id
// makes every retry resolve to the same committed move.
func (c *Client) Move(ctx context.Context, id string, req chessdto.MoveRequest) (*chessdto.MoveResponse, error) {
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, errors.New("request_id is required")
	}
	var out chessdto.MoveResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(id, "move"), req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	uri := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := decodeError(status, resp.Body())
			if attempt == attempts || !retry || !shouldRetry(apiErr) {
				return apiErr
			}
			lastErr = apiErr
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func decodeError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: string(body)}
	var wrapped chessdto.ErrorResponse
	if err := json.Unmarshal(body, &wrapped); err == nil {
		e.Domain = wrapped.Error
	}
	return e
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

// shouldRetry trusts the server's retryable flag when there is one and
// falls back to gateway-style statuses.
func shouldRetry(e *APIError) bool {
	if e.Domain.Code != "" {
		return e.Domain.Retryable
	}
	switch e.Status {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
