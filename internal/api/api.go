// Package api serves the HTTP side: health, the live session snapshot and
// audit event ingestion for collaborating services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/horoswatch/pkg/audit"
	"github.com/hazyhaar/horoswatch/pkg/session"
)

// maxEventSize caps the body of POST /api/audit/events.
const maxEventSize = 64 * 1024

// Auditor records events and reports buffer state.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
	Stats() audit.Stats
}

type API struct {
	sessions *session.Registry
	audit    Auditor
	limiter  *RateLimiter
	version  string
}

func New(sessions *session.Registry, auditor Auditor, version string) *API {
	return &API{
		sessions: sessions,
		audit:    auditor,
		limiter:  NewRateLimiter(120, time.Minute),
		version:  version,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)

	// Sessions
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.handleDeleteSession)

	// Audit
	mux.HandleFunc("POST /api/audit/events", RateLimitMiddleware(a.limiter, a.handleRecordEvent))
	mux.HandleFunc("GET /api/audit/stats", a.handleAuditStats)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  a.version,
		"sessions": a.sessions.Count(),
	})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := a.sessions.IDs()
	jsonResp(w, http.StatusOK, map[string]any{"count": len(ids), "session_ids": ids})
}

// handleGetSession validates a session and slides its expiry forward.
func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.sessions.Get(id); !ok {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	last, _ := a.sessions.LastActivity(id)
	jsonResp(w, http.StatusOK, map[string]any{"session_id": id, "last_activity": last})
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, err := a.sessions.Evict(r.Context(), id)
	if !found {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Warn("session close failed", "session_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventSize)

	var ev audit.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "event too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !ev.Type.Valid() {
		jsonError(w, "unknown event_type", http.StatusBadRequest)
		return
	}
	switch ev.Status {
	case "", audit.StatusSuccess, audit.StatusError:
	default:
		jsonError(w, "status must be success or error", http.StatusBadRequest)
		return
	}

	audit.RequestInfoFrom(r.Context()).Apply(&ev)
	a.audit.Record(r.Context(), ev)
	jsonResp(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, a.audit.Stats())
}

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
