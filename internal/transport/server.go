package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/chatstream/internal/journal"
	"github.com/user/chatstream/internal/session"
	"github.com/user/chatstream/internal/types"
)

// Options tunes the transports.
type Options struct {
	// Keepalive is the interval between SSE comment frames.
	Keepalive time.Duration
	// CoalesceText buffers WebSocket text until a sentence boundary.
	CoalesceText bool
	// CoalesceMin is the buffered length at which a boundary flushes.
	CoalesceMin int
	// CoalesceIdle flushes buffered text after this much silence.
	CoalesceIdle time.Duration
	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Keepalive <= 0 {
		o.Keepalive = 15 * time.Second
	}
	if o.CoalesceMin <= 0 {
		o.CoalesceMin = 80
	}
	if o.CoalesceIdle <= 0 {
		o.CoalesceIdle = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Server exposes the session manager over HTTP: SSE, WebSocket, and a
// read-only debug API backed by the journal.
type Server struct {
	manager *session.Manager
	journal *journal.Journal
	opts    Options
	mux     *http.ServeMux
}

// NewServer creates a Server. j may be nil, which disables the debug API.
func NewServer(manager *session.Manager, j *journal.Journal, opts Options) *Server {
	s := &Server{
		manager: manager,
		journal: j,
		opts:    opts.withDefaults(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/chat/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/chat/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /ws/chat/{clientId}", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleAPISessionEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status string `json:"status"`
	session.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Stats: s.manager.Stats()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if err := s.manager.Cancel(id); err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("cancel session failed", "session_id", string(id), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled", "sessionId": string(id)})
}

type sessionResponse struct {
	SessionID  string `json:"sessionId"`
	RequestID  string `json:"requestId"`
	ChatType   string `json:"chatType"`
	State      string `json:"state"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	EventCount int64  `json:"eventCount"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	records, err := s.journal.Sessions.List()
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(records))
	for _, rec := range records {
		count, err := s.journal.Events.Count(rec.SessionID)
		if err != nil {
			slog.Warn("count events failed", "session_id", string(rec.SessionID), "error", err)
		}
		result = append(result, sessionResponse{
			SessionID:  string(rec.SessionID),
			RequestID:  rec.RequestID,
			ChatType:   string(rec.ChatType),
			State:      string(rec.State),
			CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  rec.UpdatedAt.Format(time.RFC3339),
			EventCount: count,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, `{"error":"debug API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	id := types.SessionID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.journal.Events.Tail(id, limit)
	if err != nil {
		slog.Error("tail events failed", "session_id", string(id), "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
