package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/miosa-osa/osa/internal/agent"
	"github.com/miosa-osa/osa/internal/orchestrator"
	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/internal/signal"
	"github.com/miosa-osa/osa/pkg/models"
)

type orchestrateRequest struct {
	Input     string         `json:"input"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type orchestrateResponse struct {
	SessionID   string            `json:"session_id"`
	Output      string            `json:"output"`
	Signal      models.Signal     `json:"signal"`
	ToolsUsed   []string          `json:"tools_used"`
	Iterations  int               `json:"iteration_count"`
	ExecutionMS int64             `json:"execution_ms"`
	Termination agent.Termination `json:"termination"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		// An authenticated token names the caller.
		req.UserID = userIDFrom(r.Context())
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	res, err := s.deliverer.Deliver(r.Context(), orchestrator.Request{
		Input:     req.Input,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Channel:   req.Channel,
		ChatID:    req.ChatID,
		Context:   req.Context,
	})
	if err != nil {
		if oserr.Is(err, oserr.CodeSignalFiltered) {
			// The filter is pure, so rerunning it recovers the verdict
			// the loop dropped the message on.
			verdict := signal.Filter(req.Input)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  oserr.UserMessage(err),
				"code":   string(oserr.CodeSignalFiltered),
				"reason": string(verdict.Reason),
				"weight": verdict.Weight,
			})
			return
		}
		s.logger.Error("orchestrate failed",
			"session_id", req.SessionID,
			"error", err)
		writeJSON(w, statusFor(err), map[string]any{
			"error": oserr.UserMessage(err),
			"code":  string(oserr.CodeOf(err)),
		})
		return
	}

	writeJSON(w, http.StatusOK, orchestrateResponse{
		SessionID:   res.SessionID,
		Output:      res.Output,
		Signal:      res.Signal,
		ToolsUsed:   res.ToolsUsed,
		Iterations:  res.Iterations,
		ExecutionMS: res.Duration.Milliseconds(),
		Termination: res.Termination,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if !s.deliverer.Cancel(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"cancelled":  true,
	})
}
