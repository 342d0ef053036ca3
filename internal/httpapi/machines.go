package httpapi

import (
	"encoding/json"
	"net/http"
)

type machinesRequest struct {
	Machines map[string]bool `json:"machines"`
}

func (s *Server) handleMachinesGet(w http.ResponseWriter, r *http.Request) {
	if s.machines == nil {
		writeError(w, http.StatusServiceUnavailable, "machine toggles unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": s.machines.Machines()})
}

// handleMachinesPut replaces the capability-group toggles. The registry
// republishes its tool snapshot with disabled groups filtered out, so the
// change is visible to the next loop iteration.
func (s *Server) handleMachinesPut(w http.ResponseWriter, r *http.Request) {
	if s.machines == nil {
		writeError(w, http.StatusServiceUnavailable, "machine toggles unavailable")
		return
	}
	var req machinesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Machines == nil {
		writeError(w, http.StatusBadRequest, "machines map is required")
		return
	}

	s.machines.SetMachines(req.Machines)
	s.logger.Info("machine toggles updated", "groups", len(req.Machines))
	writeJSON(w, http.StatusOK, map[string]any{"machines": s.machines.Machines()})
}
