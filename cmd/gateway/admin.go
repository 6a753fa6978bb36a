package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/adaefler-art/codefactory-control-sub000/pkg/allowlist"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/httpx"
	"github.com/adaefler-art/codefactory-control-sub000/pkg/stage"
)

// adminRouter serves the gateway's own operational surface. Requests arrive
// here only after the decision tree has issued a verdict, so handlers read
// the rebuilt trusted headers instead of re-authenticating.
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)

	r.Get("/api/admin/metrics", s.metrics.Handler())
	r.Get("/api/admin/smoke-allowlist", s.handleAllowlistGet)
	r.Post("/api/admin/smoke-allowlist/seed", s.handleAllowlistSeed)
	r.Delete("/api/admin/smoke-allowlist/{id}", s.handleAllowlistRemove)
	r.Get("/api/admin/auth-events", s.handleAuthEvents)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.Error(w, http.StatusNotFound, "unknown admin endpoint")
	})
	return r
}

func (s *Server) handleAllowlistGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist store unavailable")
		return
	}
	entries, err := s.store.Active(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type seedRequest struct {
	Entries []seedEntry `json:"entries"`
}

type seedEntry struct {
	RoutePattern string `json:"routePattern"`
	Method       string `json:"method"`
	IsRegex      bool   `json:"isRegex"`
	Description  string `json:"description"`
}

// Seeding mutates the allowlist, so it is additionally restricted to staging
// hosts even for callers who already passed the decision tree.
func (s *Server) handleAllowlistSeed(w http.ResponseWriter, r *http.Request) {
	if s.resolver.ForHostname(r.Host) != stage.Staging {
		httpx.Error(w, http.StatusForbidden, "seeding is staging-only")
		return
	}
	if s.store == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist store unavailable")
		return
	}

	var req seedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Entries) == 0 {
		httpx.Error(w, http.StatusBadRequest, "no entries supplied")
		return
	}

	entries := make([]allowlist.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, allowlist.Entry{
			RoutePattern: e.RoutePattern,
			Method:       e.Method,
			IsRegex:      e.IsRegex,
			Description:  e.Description,
		})
	}

	addedBy := r.Header.Get(headerSub)
	if addedBy == "" {
		addedBy = "gateway-admin"
	}
	res, err := s.store.Seed(r.Context(), entries, addedBy)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAllowlistRemove(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist store unavailable")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	removedBy := r.Header.Get(headerSub)
	if removedBy == "" {
		removedBy = "gateway-admin"
	}
	removed, err := s.store.Remove(r.Context(), id, removedBy)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "allowlist unavailable")
		return
	}
	if !removed {
		httpx.Error(w, http.StatusNotFound, "entry not found or already removed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// handleAuthEvents streams live authorization decisions over a websocket.
func (s *Server) handleAuthEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.events.Subscribe(64)
	defer s.events.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
