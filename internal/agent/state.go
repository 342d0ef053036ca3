package agent

import (
	"sync/atomic"

	"github.com/miosa-osa/osa/pkg/models"
)

// Phase names the loop state machine position. Transitions:
//
//	idle → classifying → thinking → tooling → compacting → thinking → …
//	                   → responding → idle
//
// Noise returns to idle from classifying; the iteration ceiling, the doom
// detector, and cancellation all route to responding or idle from any phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseClassifying Phase = "classifying"
	PhaseThinking    Phase = "thinking"
	PhaseTooling     Phase = "tooling"
	PhaseCompacting  Phase = "compacting"
	PhaseResponding  Phase = "responding"
)

// State is the private working state of one session's loop. A single
// worker owns it; the only cross-goroutine member is the cancel flag,
// which anyone may set via Cancel.
type State struct {
	SessionID string
	UserID    string
	Channel   string

	// Messages is the working conversation list sent to the provider.
	// Compaction rewrites it; the persisted transcript is append-only
	// and unaffected.
	Messages []models.Message

	// Phase is the current FSM position, for diagnostics.
	Phase Phase

	// Iteration counts provider round-trips. Strictly monotonic within
	// a run and never exceeds the configured ceiling.
	Iteration int

	// ConsecutiveFailures counts adjacent iterations whose tool-call
	// signature matched with every call failing.
	ConsecutiveFailures int

	lastSignature   uint64
	lastAllFailed   bool
	lastToolNames   []string
	hasLastToolSet  bool
	compactFailures int

	cancelled atomic.Bool
}

// NewState creates loop state for a session. Messages may be hydrated
// from the transcript store before the first Run.
func NewState(sessionID, userID, channel string) *State {
	return &State{
		SessionID: sessionID,
		UserID:    userID,
		Channel:   channel,
		Phase:     PhaseIdle,
	}
}

// Cancel requests cooperative interruption. The loop observes the flag
// between iterations and after tool fan-out; in-flight work runs to
// completion or timeout.
func (s *State) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether an interrupt is pending.
func (s *State) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *State) clearCancel() {
	s.cancelled.Store(false)
}

// observeTooling feeds one iteration's tool outcome to the doom detector.
// The failure streak grows only when the signature repeats the prior
// iteration's and every call in both iterations failed.
func (s *State) observeTooling(sig uint64, names []string, failed bool) {
	if s.hasLastToolSet && sig == s.lastSignature && failed && s.lastAllFailed {
		s.ConsecutiveFailures++
	} else {
		s.ConsecutiveFailures = 0
	}
	s.lastSignature = sig
	s.lastAllFailed = failed
	s.lastToolNames = names
	s.hasLastToolSet = true
}
