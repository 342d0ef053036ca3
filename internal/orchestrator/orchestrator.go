// Package orchestrator owns the live session registry and the single
// front door every surface shares. HTTP requests, the CLI chat loop, and
// scheduler agent jobs all enter through Deliver; the orchestrator keeps
// one loop state per session, hydrates recreated sessions from the
// transcript store, expires idle sessions, and routes agent responses
// back out through channel adapters.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miosa-osa/osa/internal/agent"
	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/internal/channels"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/sessions"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultSessionTTL is how long a session survives without traffic.
	DefaultSessionTTL = time.Hour

	// DefaultSweepInterval is how often the sweeper scans for idle
	// sessions.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultHistoryLimit bounds how many transcript messages hydrate a
	// recreated session.
	DefaultHistoryLimit = 50

	// DefaultChannel attributes requests that name no surface.
	DefaultChannel = "api"

	// sendTimeout bounds one outbound channel delivery.
	sendTimeout = 30 * time.Second
)

// Request is one inbound message for the agent.
type Request struct {
	// Input is the user text. Required.
	Input string

	// UserID attributes the session. Required.
	UserID string

	// SessionID continues an existing conversation. Empty starts a new
	// session under a generated ID.
	SessionID string

	// Channel names the surface the request arrived on and selects the
	// adapter responses route back through. Default: "api".
	Channel string

	// ChatID addresses the outbound reply on platforms that need one.
	ChatID string

	// Context carries caller metadata kept with the session.
	Context map[string]any
}

// session is one live conversation. The run mutex serializes loop runs;
// concurrent deliveries to the same session queue behind it.
type session struct {
	mu       sync.Mutex
	state    *agent.State
	chatID   string
	context  map[string]any
	lastUsed atomic.Int64 // unix nanos
}

func (s *session) touch(t time.Time) {
	s.lastUsed.Store(t.UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Orchestrator routes inbound messages to per-session agent loops and
// outbound responses to channel adapters.
type Orchestrator struct {
	loop        *agent.Loop
	transcripts sessions.Store
	adapters    *channels.Registry
	bus         *bus.Bus
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time

	ttl          time.Duration
	sweepEvery   time.Duration
	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*session

	unsubscribe func()
	sends       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// WithBus attaches the event bus; agent responses published there are
// routed to channel adapters.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithAdapters sets the channel adapter registry responses route through.
func WithAdapters(reg *channels.Registry) Option {
	return func(o *Orchestrator) { o.adapters = reg }
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSessionTTL overrides the idle lifetime. Default: 1h.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithSweepInterval overrides the sweeper cadence. Default: 5m.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// WithHistoryLimit overrides how many transcript messages hydrate a
// recreated session. Default: 50.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an orchestrator around a loop and a transcript store.
// transcripts may be nil when conversations should not survive the
// process.
func New(loop *agent.Loop, transcripts sessions.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		loop:         loop,
		transcripts:  transcripts,
		logger:       slog.Default().With("component", "orchestrator"),
		now:          time.Now,
		ttl:          DefaultSessionTTL,
		sweepEvery:   DefaultSweepInterval,
		historyLimit: DefaultHistoryLimit,
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bus != nil {
		o.unsubscribe = o.bus.Subscribe(models.EventAgentResponse, func(ev models.Event) {
			// Bus handlers must return fast; the send runs on its own
			// goroutine.
			o.sends.Add(1)
			go func() {
				defer o.sends.Done()
				o.routeResponse(ev)
			}()
		})
	}
	return o
}

// Deliver runs one inbound message through the session's agent loop and
// returns the run result. Deliveries to the same session serialize;
// distinct sessions run concurrently.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (*agent.Result, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, errors.New("orchestrator: input is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New("orchestrator: user_id is required")
	}
	if req.Channel == "" {
		req.Channel = DefaultChannel
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess := o.getOrCreate(ctx, req)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.touch(o.now())
	result, err := o.loop.Run(ctx, sess.state, input)
	sess.touch(o.now())
	return result, err
}

// RunTask executes a scheduler-originated task on a fresh ephemeral
// session and returns the agent's final output. The signature matches
// what the scheduler expects from an agent runner.
func (o *Orchestrator) RunTask(ctx context.Context, task string) (string, error) {
	result, err := o.Deliver(ctx, Request{
		Input:   task,
		UserID:  "scheduler",
		Channel: "scheduler",
	})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// Cancel flags a session's in-flight run for cooperative interruption.
// It reports whether the session was live.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.RLock()
	sess := o.sessions[sessionID]
	o.mu.RUnlock()
	if sess == nil {
		return false
	}
	sess.state.Cancel()
	o.logger.Info("session cancel requested", "session_id", sessionID)
	return true
}

// ActiveSessions returns the number of live sessions.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// Close detaches the bus subscription and waits for in-flight channel
// sends to finish.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.sends.Wait()
}

// getOrCreate returns the live session for the request, creating and
// hydrating one when absent. Hydration reads the transcript store
// outside the registry lock; a racing creator wins and the loser's
// hydration work is discarded.
func (o *Orchestrator) getOrCreate(ctx context.Context, req Request) *session {
	o.mu.RLock()
	sess, ok := o.sessions[req.SessionID]
	o.mu.RUnlock()
	if ok {
		o.update(sess, req)
		return sess
	}

	state := agent.NewState(req.SessionID, req.UserID, req.Channel)
	if o.transcripts != nil {
		history, err := o.transcripts.History(ctx, req.SessionID, o.historyLimit)
		switch {
		case err == nil:
			state.Messages = history
		case errors.Is(err, sessions.ErrNotFound):
			// First contact; nothing to hydrate.
		default:
			o.logger.Warn("session history unavailable",
				"session_id", req.SessionID, "error", err)
		}
	}

	o.mu.Lock()
	// Check again under lock.
	if existing, ok := o.sessions[req.SessionID]; ok {
		o.mu.Unlock()
		o.update(existing, req)
		return existing
	}
	sess = &session{state: state}
	o.sessions[req.SessionID] = sess
	n := len(o.sessions)
	o.mu.Unlock()

	o.metrics.SetActiveSessions(n)
	o.logger.Info("session created",
		"session_id", req.SessionID,
		"user_id", req.UserID,
		"channel", req.Channel,
		"hydrated", len(state.Messages))
	o.update(sess, req)
	return sess
}

// update refreshes the mutable reply-routing fields from the latest
// request.
func (o *Orchestrator) update(sess *session, req Request) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if req.ChatID != "" {
		sess.chatID = req.ChatID
	}
	if req.Context != nil {
		sess.context = req.Context
	}
}

// routeResponse delivers one agent_response event through the session's
// channel adapter. Sessions without a registered adapter (api, scheduler)
// already received the result synchronously from Deliver.
func (o *Orchestrator) routeResponse(ev models.Event) {
	if o.adapters == nil || ev.SessionID == "" {
		return
	}
	o.mu.RLock()
	sess := o.sessions[ev.SessionID]
	o.mu.RUnlock()
	if sess == nil {
		return
	}

	// Taking the run mutex orders the send after the loop run that
	// published the event.
	sess.mu.Lock()
	channel := sess.state.Channel
	chatID := sess.chatID
	sess.mu.Unlock()

	adapter, ok := o.adapters.Get(channel)
	if !ok {
		return
	}
	text, _ := ev.Payload["output"].(string)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := adapter.Send(ctx, chatID, text, channels.SendOptions{}); err != nil {
		o.logger.Warn("channel send failed",
			"channel", channel,
			"session_id", ev.SessionID,
			"error", err)
	}
}
