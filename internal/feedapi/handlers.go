package feedapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"kbconsole/internal/aggregator"
	logx "kbconsole/pkg/logx"
)

type errorResponse struct {
	Error string `json:"error"`
}

type readIDsResponse struct {
	IDs []string `json:"ids"`
}

type healthResponse struct {
	Status  string                    `json:"status"`
	Version string                    `json:"version,omitempty"`
	Uptime  string                    `json:"uptime"`
	Sources []aggregator.SourceStatus `json:"sources"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.feed.Latest())
}

func (s *Server) handleReadIDs(w http.ResponseWriter, r *http.Request) {
	ids := s.feed.ReadIDs(r.Context())
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, readIDsResponse{IDs: ids})
}

// handleReadAll returns the feed published by the mark itself.
func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.MarkAllRead(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.feed.Latest())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Sources: s.feed.Sources(),
	}
	for _, src := range resp.Sources {
		if src.State == "error" {
			resp.Status = "degraded"
		}
	}
	if resp.Sources == nil {
		resp.Sources = []aggregator.SourceStatus{}
		resp.Status = "idle"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevPut(w http.ResponseWriter, r *http.Request) {
	coll, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	var doc map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON document: "+err.Error())
		return
	}
	if err := s.dev.Put(r.Context(), coll, id, doc); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Debug("dev document stored", logx.String("collection", coll), logx.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevDelete(w http.ResponseWriter, r *http.Request) {
	coll, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		s.writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	if err := s.dev.Delete(r.Context(), coll, id); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
