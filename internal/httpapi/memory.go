package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/miosa-osa/osa/internal/memory"
)

type memoryStoreRequest struct {
	Key     string   `json:"key,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	var req memoryStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	kind := memory.Kind(req.Kind)
	if req.Kind == "" {
		kind = memory.KindSemantic
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be episodic, semantic, or procedural")
		return
	}

	entry, err := s.memory.Append(r.Context(), memory.Entry{
		Key:     req.Key,
		Kind:    kind,
		Content: req.Content,
		Tags:    req.Tags,
	})
	if err != nil {
		s.logger.Error("memory append failed", "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	key := r.PathValue("key")
	entry, err := s.memory.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no entry for key")
			return
		}
		s.logger.Error("memory get failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.memory.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Error("memory search failed", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}
