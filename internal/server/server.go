package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchparty/internal/media"
	"watchparty/internal/playback"
	"watchparty/internal/store"
)

const maxPatchBytes = 4 << 10

// VideoResolver validates video references and reports their metadata.
type VideoResolver interface {
	Resolve(ctx context.Context, ref string) (media.Video, error)
}

// Server wraps HTTP handlers and configuration.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	router          chi.Router
	store           store.Backend
	videos          VideoResolver
	auth            *auth0Middleware
	allowedOrigins  []string
	allowAllOrigins bool
	upgrader        websocket.Upgrader

	wsRooms map[string]map[*wsConn]viewerProfile
	wsMu    sync.Mutex
}

// New constructs a Server with routes and middleware configured. A nil logger
// selects JSON output on stdout.
func New(cfg Config, backend store.Backend, videos VideoResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	if videos == nil {
		videos = media.NewResolverWithService(nil)
	}
	if cfg.MaxViewersPerRoom <= 0 {
		cfg.MaxViewersPerRoom = defaultMaxViewersPerRoom
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		store:          backend,
		videos:         videos,
		allowedOrigins: cfg.AllowedOrigins,
		wsRooms:        make(map[string]map[*wsConn]viewerProfile),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}
	if auth, ok := cfg.Auth0(); ok {
		srv.auth = newAuth0Middleware(auth, logger)
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" || srv.matchOrigin(r.Header.Get("Origin")) != ""
		},
	}

	srv.routes()
	return srv
}

// Router returns the full handler chain.
func (s *Server) Router() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.router))
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.With(s.requireIdentity).Post("/rooms", s.handleCreateRoom)
	r.Route("/rooms/{roomID}", func(r chi.Router) {
		r.Get("/playback", s.handleGetPlayback)
		r.With(s.requireIdentity).Put("/playback", s.handlePutPlayback)
		r.Get("/viewers", s.handleViewers)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/ws/rooms/{roomID}", s.handleWebsocket)
	r.Get("/videos/{ref}", s.handleVideo)
	r.NotFound(s.spaHandler().ServeHTTP)
	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

// Flush lets the event stream push through the wrapped writer.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) spaHandler() http.Handler {
	fs := http.Dir(s.cfg.FrontendDir)
	fileServer := http.FileServer(fs)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlPath := r.URL.Path
		if urlPath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		cleanPath := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
		requested := filepath.Join(s.cfg.FrontendDir, cleanPath)
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxPatchBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}

	playing, pos := false, 0.0
	patch := playback.Patch{IsPlaying: &playing, Position: &pos}
	if strings.TrimSpace(req.VideoRef) != "" {
		video, ok := s.resolveVideo(w, r, req.VideoRef)
		if !ok {
			return
		}
		patch.VideoRef = &video.ID
	}

	roomID := uuid.NewString()
	st, err := s.store.Upsert(r.Context(), roomID, patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("room created", slog.String("room", roomID), slog.String("by", subjectFromContext(r.Context())))
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetPlayback(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Get(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutPlayback(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	r.Body = http.MaxBytesReader(w, r.Body, maxPatchBytes)
	var patch playback.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var duration float64
	if patch.VideoRef != nil && *patch.VideoRef != "" {
		video, ok := s.resolveVideo(w, r, *patch.VideoRef)
		if !ok {
			return
		}
		patch.VideoRef = &video.ID
		duration = video.Duration
	} else if patch.Position != nil && patch.VideoRef == nil {
		duration = s.currentDuration(r.Context(), roomID)
	}
	if patch.Position != nil {
		clamped := playback.ClampPosition(*patch.Position, duration)
		patch.Position = &clamped
	}

	st, err := s.store.Upsert(r.Context(), roomID, patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Debug("playback updated", slog.String("room", roomID), slog.String("by", subjectFromContext(r.Context())))
	writeJSON(w, http.StatusOK, st)
}

// currentDuration is the length of the room's current video, 0 when unknown.
func (s *Server) currentDuration(ctx context.Context, roomID string) float64 {
	st, err := s.store.Get(ctx, roomID)
	if err != nil || st.VideoRef == "" {
		return 0
	}
	video, err := s.videos.Resolve(ctx, st.VideoRef)
	if err != nil {
		return 0
	}
	return video.Duration
}

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rosterPayload{Viewers: s.roster(chi.URLParam(r, "roomID"))})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	ref, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid video reference")
		return
	}
	video, ok := s.resolveVideo(w, r, ref)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) resolveVideo(w http.ResponseWriter, r *http.Request, ref string) (media.Video, bool) {
	video, err := s.videos.Resolve(r.Context(), ref)
	switch {
	case err == nil:
		return video, true
	case media.IsInvalid(err):
		writeError(w, http.StatusBadRequest, "invalid video reference")
	default:
		s.logger.Error("video lookup", slog.String("ref", ref), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "video lookup failed")
	}
	return media.Video{}, false
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var se *store.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.As(err, &se) && se.Kind == store.KindConstraint:
		writeError(w, http.StatusBadRequest, se.Err.Error())
	default:
		s.logger.Error("store", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
