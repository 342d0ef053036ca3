package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/miosa-osa/osa/internal/signal"
)

type classifyRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

// handleClassify runs the pure classifier without touching any session.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = "api"
	}

	verdict := signal.Filter(req.Message)
	resp := map[string]any{
		"signal": signal.Classify(req.Message, channel),
		"noise":  verdict.Noise,
	}
	if verdict.Noise {
		resp["reason"] = string(verdict.Reason)
	}
	writeJSON(w, http.StatusOK, resp)
}
