package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"watchparty/internal/playback"
	"watchparty/internal/store"
)

const keepaliveInterval = 30 * time.Second

// handleEvents streams the room's playback states as Server-Sent Events, for
// clients that cannot open a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	updates := make(chan playback.State, 16)
	sub, err := s.store.Subscribe(ctx, roomID, func(st playback.State) {
		select {
		case updates <- st:
		case <-ctx.Done():
		}
	})
	if err != nil {
		s.logger.Error("subscribe", slog.String("room", roomID), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := bufio.NewWriter(w)
	// send reports the first failed write; bufio keeps write errors until Flush.
	send := func(chunks ...[]byte) error {
		for _, c := range chunks {
			_, _ = enc.Write(c)
		}
		if err := enc.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := send([]byte(": connected\n\n")); err != nil {
		return
	}

	var lastVersion int64
	emit := func(st playback.State) error {
		if playback.SupersededBy(st.Version, lastVersion) {
			return nil
		}
		lastVersion = max(lastVersion, st.Version)
		payload, err := json.Marshal(stateEnvelope(st))
		if err != nil {
			s.logger.Error("marshal playback state", slog.String("error", err.Error()))
			return nil
		}
		return send([]byte("data: "), payload, []byte("\n\n"))
	}

	if st, err := s.store.Get(ctx, roomID); err == nil {
		if err := emit(st); err != nil {
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("snapshot", slog.String("room", roomID), slog.String("error", err.Error()))
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		var err error
		select {
		case st := <-updates:
			err = emit(st)
		case <-ctx.Done():
			return
		case <-keepalive.C:
			err = send([]byte(": keepalive\n\n"))
		}
		if err != nil {
			s.logger.Debug("event stream closed", slog.String("room", roomID), slog.String("error", err.Error()))
			return
		}
	}
}
