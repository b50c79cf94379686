// Package client talks to a watch-party server. It satisfies the playback
// store and change-feed contracts over the REST API and the room websocket,
// so a Controller can run in a process apart from the store.
package client

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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"watchparty/internal/media"
	"watchparty/internal/playback"
	"watchparty/internal/store"
)

// Client is a watch-party API client.
type Client struct {
	base   *url.URL
	token  string
	name   string
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer token on writes.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithName sets the display name shown on the room roster.
func WithName(name string) Option { return func(c *Client) { c.name = name } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRetry bounds the reconnect backoff of feed subscriptions.
func WithRetry(initial, max time.Duration) Option {
	return func(c *Client) { c.retryInitial, c.retryMax = initial, max }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:         base,
		http:         &http.Client{Timeout: 10 * time.Second},
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       slog.Default(),
		retryInitial: 250 * time.Millisecond,
		retryMax:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Upsert writes a partial update to the room. Rejected patches surface as
// store constraint errors, transport and server failures as unavailable.
func (c *Client) Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error) {
	var st playback.State
	err := c.do(ctx, http.MethodPut, "/rooms/"+url.PathEscape(roomID)+"/playback", p, &st)
	if err != nil {
		return playback.State{}, storeError("upsert", roomID, err)
	}
	return st, nil
}

// Get fetches the room's state, or store.ErrNotFound.
func (c *Client) Get(ctx context.Context, roomID string) (playback.State, error) {
	var st playback.State
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/playback", nil, &st)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return playback.State{}, store.ErrNotFound
	}
	if err != nil {
		return playback.State{}, storeError("get", roomID, err)
	}
	return st, nil
}

// CreateRoom opens a new room, optionally with a video cued.
func (c *Client) CreateRoom(ctx context.Context, videoRef string) (playback.State, error) {
	var body any
	if videoRef != "" {
		body = map[string]string{"channel": videoRef}
	}
	var st playback.State
	if err := c.do(ctx, http.MethodPost, "/rooms", body, &st); err != nil {
		return playback.State{}, fmt.Errorf("create room: %w", err)
	}
	return st, nil
}

// Video looks up video metadata. Unknown references wrap
// media.ErrInvalidReference.
func (c *Client) Video(ctx context.Context, ref string) (media.Video, error) {
	var v media.Video
	err := c.do(ctx, http.MethodGet, "/videos/"+url.PathEscape(ref), nil, &v)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
		return media.Video{}, fmt.Errorf("%w: %s", media.ErrInvalidReference, apiErr.Message)
	}
	if err != nil {
		return media.Video{}, fmt.Errorf("lookup video: %w", err)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
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

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func storeError(op, roomID string, err error) error {
	kind := store.KindUnavailable
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		kind = store.KindConstraint
	}
	return &store.Error{Op: op, RoomID: roomID, Kind: kind, Err: err}
}
