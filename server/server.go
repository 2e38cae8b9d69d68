// Package server exposes the browser core over its two transports: MCP
// tools for agents and a small chi-routed HTTP surface for health checks,
// stats and session administration.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/openchrome/audit"
	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
	"github.com/hazyhaar/openchrome/launcher"
	"github.com/hazyhaar/openchrome/queue"
	"github.com/hazyhaar/openchrome/refs"
	"github.com/hazyhaar/openchrome/session"
	"github.com/hazyhaar/openchrome/shield"
	"github.com/hazyhaar/openchrome/storagestate"
	"github.com/hazyhaar/openchrome/tabpool"
)

// Server bundles the core collaborators behind the transports.
type Server struct {
	sessions *session.Manager
	pool     *tabpool.Pool
	queues   *queue.Manager
	refs     *refs.Registry
	storage  *storagestate.Store
	client   *cdp.Client
	instance *launcher.Instance
	auditor  *audit.SQLiteLogger
	logger   *slog.Logger
	started  time.Time
}

// Options wires a Server.
type Options struct {
	Sessions *session.Manager
	Pool     *tabpool.Pool
	Queues   *queue.Manager
	Refs     *refs.Registry
	Storage  *storagestate.Store
	Client   *cdp.Client
	Instance *launcher.Instance
	// Auditor, when set, records every MCP tool call.
	Auditor *audit.SQLiteLogger
	Logger  *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: opts.Sessions,
		pool:     opts.Pool,
		queues:   opts.Queues,
		refs:     opts.Refs,
		storage:  opts.Storage,
		client:   opts.Client,
		instance: opts.Instance,
		auditor:  opts.Auditor,
		logger:   logger,
		started:  time.Now(),
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		type sessionInfo struct {
			ID         string    `json:"id"`
			WorkerID   string    `json:"workerId,omitempty"`
			CreatedAt  time.Time `json:"createdAt"`
			LastActive time.Time `json:"lastActive"`
			Tabs       []string  `json:"tabs"`
		}
		var out []sessionInfo
		for _, sess := range s.sessions.List() {
			out = append(out, sessionInfo{
				ID:         sess.ID,
				WorkerID:   sess.WorkerID,
				CreatedAt:  sess.CreatedAt,
				LastActive: sess.LastActive(),
				Tabs:       sess.TabIDs(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Delete("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if err := s.sessions.Cleanup(req.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned", "session": id})
	})

	return r
}

// Stats is the /stats payload.
type Stats struct {
	UptimeSeconds int           `json:"uptimeSeconds"`
	Sessions      int           `json:"sessions"`
	Pool          tabpool.Stats `json:"pool"`
	Browser       *BrowserInfo  `json:"browser,omitempty"`
}

// BrowserInfo describes the attached browser process.
type BrowserInfo struct {
	WSEndpoint  string `json:"wsEndpoint"`
	ProfileType string `json:"profileType"`
	Spawned     bool   `json:"spawned"`
}

func (s *Server) Stats() Stats {
	st := Stats{
		UptimeSeconds: int(time.Since(s.started).Seconds()),
		Sessions:      len(s.sessions.List()),
		Pool:          s.pool.Stats(),
	}
	if s.instance != nil {
		st.Browser = &BrowserInfo{
			WSEndpoint:  s.instance.WSEndpoint,
			ProfileType: string(s.instance.ProfileType),
			Spawned:     s.instance.Spawned,
		}
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds to HTTP statuses; the kind rides along as a
// machine-readable code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]any{
		"error": map[string]string{
			"code":    string(cerr.KindOf(err)),
			"message": err.Error(),
		},
	})
}

func httpStatus(err error) int {
	switch cerr.KindOf(err) {
	case cerr.KindSessionIsolation:
		return http.StatusForbidden
	case cerr.KindSessionNotFound, cerr.KindTabNotFound,
		cerr.KindFinderNoMatch, cerr.KindFinderLowConfidence, cerr.KindRefStale:
		return http.StatusNotFound
	case cerr.KindQueueTimeout, cerr.KindCDPTimeout:
		return http.StatusGatewayTimeout
	case cerr.KindQueueCancelled:
		return http.StatusConflict
	case cerr.KindPortUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
