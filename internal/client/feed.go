package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"watchparty/internal/playback"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Roster is the list of viewers connected to a room.
type Roster struct {
	Viewers []struct {
		Name string `json:"name"`
	} `json:"viewers"`
}

type feed struct {
	client   *Client
	roomID   string
	onChange func(playback.State)
	onRoster func(Roster)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	lastVersion int64
}

// Subscribe opens the room websocket and calls onChange for every state it
// carries, starting with the current one. The first dial is synchronous; after
// that the connection is re-established with exponential backoff, and each
// reconnect delivers the current state again so missed updates are covered.
func (c *Client) Subscribe(ctx context.Context, roomID string, onChange func(playback.State)) (playback.Subscription, error) {
	return c.SubscribeRoster(ctx, roomID, onChange, nil)
}

// SubscribeRoster is Subscribe that also reports roster changes.
func (c *Client) SubscribeRoster(ctx context.Context, roomID string, onChange func(playback.State), onRoster func(Roster)) (playback.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	f := &feed{
		client:   c,
		roomID:   roomID,
		onChange: onChange,
		onRoster: onRoster,
		logger:   c.logger.With(slog.String("room", roomID)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	conn, err := f.dial(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	// Closing the socket unblocks the reader once ctx ends.
	context.AfterFunc(ctx, f.closeConn)
	go f.run(ctx, conn)
	return f, nil
}

// Unsubscribe stops the feed and waits for the reader to exit. It must not be
// called from onChange.
func (f *feed) Unsubscribe() {
	f.cancel()
	<-f.done
}

func (f *feed) closeConn() {
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *feed) wsURL() string {
	u := *f.client.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/rooms/" + url.PathEscape(f.roomID)
	if f.client.name != "" {
		u.RawQuery = url.Values{"name": {f.client.name}}.Encode()
	}
	return u.String()
}

func (f *feed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := f.client.dialer.DialContext(ctx, f.wsURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (f *feed) run(ctx context.Context, conn *websocket.Conn) {
	defer close(f.done)
	for {
		err := f.read(conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("feed disconnected", slog.String("error", err.Error()))

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = f.client.retryInitial
		bo.MaxInterval = f.client.retryMax
		conn, err = backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return f.dial(ctx)
		},
			backoff.WithBackOff(bo),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				f.logger.Debug("redial failed", slog.String("error", err.Error()), slog.Duration("retry_in", wait))
			}),
		)
		if err != nil {
			return
		}
		f.logger.Info("feed reconnected")
	}
}

func (f *feed) read(conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		switch env.Type {
		case "PlaybackState":
			var st playback.State
			if err := json.Unmarshal(env.Payload, &st); err != nil {
				f.logger.Warn("dropping malformed state", slog.String("error", err.Error()))
				continue
			}
			// A reconnect snapshot may repeat what was already delivered.
			if playback.SupersededBy(st.Version, f.lastVersion) {
				continue
			}
			f.lastVersion = max(f.lastVersion, st.Version)
			f.onChange(st)
		case "RosterUpdate":
			if f.onRoster == nil {
				continue
			}
			var r Roster
			if err := json.Unmarshal(env.Payload, &r); err != nil {
				continue
			}
			f.onRoster(r)
		default:
			f.logger.Debug("ignoring message", slog.String("type", env.Type))
		}
	}
}
