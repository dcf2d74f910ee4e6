package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/doctalk/internal/config"
	"github.com/ent0n29/doctalk/internal/observability"
	"github.com/ent0n29/doctalk/internal/relay"
	"github.com/ent0n29/doctalk/internal/semantic"
	"github.com/ent0n29/doctalk/internal/session"
)

const readyTimeout = 2 * time.Second

// Relay runs one client session over already-framed channels.
type Relay interface {
	Run(ctx context.Context, tracker relay.Tracker, inbound <-chan []byte, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	relay    Relay
	store    semantic.Store
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, rl Relay, store semantic.Store, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    rl,
		store:    store,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleSessionWS)
	r.Get("/ws", s.handleSessionWS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/documents", s.handleListDocuments)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"store_mode":      s.cfg.StoreMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.cfg.StoreMode,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Snapshot(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.sessions.End(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ending"})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), userID)
	if err != nil {
		s.log.Warn("list documents failed", zap.String("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if docs == nil {
		docs = []semantic.Document{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "documents": docs})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	inbound := make(chan []byte, 64)
	outbound := make(chan any, 256)
	client := newClientConn(conn, outbound, s.cfg, s.metrics)
	go client.writeLoop()
	go client.readLoop(inbound)

	err = s.sessions.Serve(r.Context(), r.RemoteAddr, client, func(ctx context.Context, h *session.Handle) error {
		return s.relay.Run(ctx, h, inbound, outbound)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Info("session closed with error", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
