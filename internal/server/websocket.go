package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"watchparty/internal/playback"
	"watchparty/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	maxNameLength  = 40
)

type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	profile viewerProfile
}

func (c *wsConn) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// stateFeed forwards room states to one connection and drops any revision
// already superseded by one it sent, so the connect snapshot never rewinds
// the feed.
type stateFeed struct {
	client *wsConn
	logger *slog.Logger

	mu          sync.Mutex
	lastVersion int64
}

func (f *stateFeed) send(st playback.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if playback.SupersededBy(st.Version, f.lastVersion) {
		return
	}
	f.lastVersion = max(f.lastVersion, st.Version)
	if err := f.client.write(stateEnvelope(st)); err != nil {
		f.logger.Debug("write playback state", slog.String("error", err.Error()))
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "Anonymous"
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}

	client := &wsConn{profile: viewerProfile{Name: name}}
	if !s.registerWS(roomID, client) {
		http.Error(w, "room is full", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.unregisterWS(roomID, client)
		s.logger.Warn("websocket upgrade", slog.String("room", roomID), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	client.attach(conn)
	defer s.unregisterWS(roomID, client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed := &stateFeed{client: client, logger: s.logger.With(slog.String("room", roomID))}
	sub, err := s.store.Subscribe(ctx, roomID, feed.send)
	if err != nil {
		s.logger.Error("subscribe", slog.String("room", roomID), slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"), time.Now().Add(writeWait))
		return
	}
	defer sub.Unsubscribe()

	// Snapshot after subscribing so no update falls in between.
	st, err := s.store.Get(ctx, roomID)
	switch {
	case err == nil:
		feed.send(st)
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("snapshot", slog.String("room", roomID), slog.String("error", err.Error()))
	}

	s.logger.Info("ws connected", slog.String("room", roomID), slog.String("name", name))
	s.broadcastRoster(roomID)

	go s.pingLoop(ctx, conn)
	s.readLoop(conn)
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop blocks until the peer goes away. Viewers write through the REST
// API, so inbound messages are discarded.
func (s *Server) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// registerWS adds client to the room unless the room is full.
func (s *Server) registerWS(roomID string, client *wsConn) bool {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if len(s.wsRooms[roomID]) >= s.cfg.MaxViewersPerRoom {
		return false
	}
	if s.wsRooms[roomID] == nil {
		s.wsRooms[roomID] = make(map[*wsConn]viewerProfile)
	}
	s.wsRooms[roomID][client] = client.profile
	return true
}

func (s *Server) unregisterWS(roomID string, client *wsConn) {
	s.wsMu.Lock()
	peers := s.wsRooms[roomID]
	_, known := peers[client]
	if peers != nil {
		delete(peers, client)
		if len(peers) == 0 {
			delete(s.wsRooms, roomID)
		}
	}
	remaining := len(peers)
	s.wsMu.Unlock()

	if known {
		s.logger.Info("ws disconnected", slog.String("room", roomID), slog.Int("peers", remaining))
		s.broadcastRoster(roomID)
	}
}

func (s *Server) roster(roomID string) []viewerProfile {
	s.wsMu.Lock()
	peers := s.wsRooms[roomID]
	profiles := make([]viewerProfile, 0, len(peers))
	for _, profile := range peers {
		profiles = append(profiles, profile)
	}
	s.wsMu.Unlock()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

func (s *Server) broadcastRoster(roomID string) {
	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsRooms[roomID]))
	for c := range s.wsRooms[roomID] {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	msg := Envelope{Type: TypeRosterUpdate, Payload: rosterPayload{Viewers: s.roster(roomID)}}
	for _, c := range conns {
		if err := c.write(msg); err != nil {
			s.logger.Debug("broadcast roster", slog.String("room", roomID), slog.String("error", err.Error()))
		}
	}
}
