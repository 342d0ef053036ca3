package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/oserr"
)

// DefaultCallTimeout bounds one provider attempt.
const DefaultCallTimeout = 120 * time.Second

// Registry routes chat requests to registered providers and walks the
// configured fallback chain on failure. Reads go through an atomic snapshot;
// registration is serialized by a mutex.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]Provider]

	defaultName string
	fallback    []string
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "providers")
		}
	}
}

// WithMetrics wires prometheus instruments.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithCallTimeout overrides the per-attempt timeout.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRegistry creates a registry with the configured default provider and
// fallback chain. The chain lists provider names in preference order; the
// walk after a failure starts from the entry after the one that failed.
func NewRegistry(defaultName string, fallback []string, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaultName: defaultName,
		fallback:    append([]string(nil), fallback...),
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default().With("component", "providers"),
	}
	empty := map[string]Provider{}
	r.snapshot.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a provider and publishes a new snapshot.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.snapshot.Load()
	next := make(map[string]Provider, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[p.Name()] = p
	r.snapshot.Store(&next)
	r.logger.Debug("registered provider", "provider", p.Name(), "default_model", p.DefaultModel())
}

// Get returns a provider by name from the current snapshot.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := (*r.snapshot.Load())[name]
	return p, ok
}

// Configured reports whether a provider was registered, which only happens
// when its credentials were present at boot (or a caller registered it
// explicitly at runtime).
func (r *Registry) Configured(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	snap := *r.snapshot.Load()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	return names
}

// Default returns the configured default provider name.
func (r *Registry) Default() string { return r.defaultName }

// Chat routes one blocking completion through the fallback chain.
func (r *Registry) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return r.call(ctx, req, nil)
}

// ChatStream routes one streaming completion through the fallback chain.
// Providers without native streaming get a synthesized stream: a single
// text_delta carrying the full content, then done.
func (r *Registry) ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	if cb == nil {
		return r.call(ctx, req, nil)
	}
	return r.call(ctx, req, cb)
}

func (r *Registry) call(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	first := req.Provider
	if first == "" {
		first = r.defaultName
	}
	if first == "" {
		return nil, oserr.New(oserr.CodeProviderUnavailable, "no default provider configured")
	}

	order := r.attemptOrder(first)
	var lastErr error
	prev := ""

	for _, name := range order {
		p, ok := r.Get(name)
		if !ok {
			lastErr = fmt.Errorf("provider %q not registered", name)
			continue
		}

		resp, err := r.invoke(ctx, p, req, cb)
		if err == nil {
			if prev != "" {
				r.metrics.RecordFailover(prev, name)
				r.logger.Info("provider failover succeeded", "from", prev, "to", name)
			}
			resp.Provider = name
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, oserr.Wrap(oserr.CodeCancelled, ctx.Err(), "provider call cancelled")
		}
		reason := ClassifyError(err)
		r.logger.Warn("provider call failed",
			"provider", name, "reason", string(reason), "error", err)
		if !reason.ShouldFailover() {
			return nil, err
		}
		prev = name
	}

	if lastErr == nil {
		lastErr = errors.New("no providers registered")
	}
	return nil, oserr.Wrap(oserr.CodeProviderUnavailable, lastErr, "all providers exhausted")
}

// attemptOrder yields the providers to try: the chosen one, then the
// fallback chain starting after it (the whole chain when it is not listed).
func (r *Registry) attemptOrder(first string) []string {
	order := []string{first}
	idx := -1
	for i, name := range r.fallback {
		if name == first {
			idx = i
			break
		}
	}
	for i, name := range r.fallback {
		if name == first {
			continue
		}
		if idx >= 0 && i < idx {
			continue
		}
		order = append(order, name)
	}
	return order
}

// invoke runs one provider attempt under the call timeout, converting panics
// to ProviderError values at this boundary.
func (r *Registry) invoke(ctx context.Context, p Provider, req *ChatRequest, cb func(StreamEvent)) (resp *ChatResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("provider panic recovered",
				"provider", p.Name(), "panic", rec, "stack", string(debug.Stack()))
			resp = nil
			err = &ProviderError{
				Reason:   ReasonPanic,
				Provider: p.Name(),
				Model:    model,
				Message:  fmt.Sprintf("panic: %v", rec),
			}
		}
	}()

	started := time.Now()
	switch {
	case cb == nil:
		resp, err = p.Chat(ctx, req)
	case p.SupportsStreaming():
		resp, err = p.ChatStream(ctx, req, cb)
	default:
		resp, err = p.Chat(ctx, req)
		if err == nil && resp != nil {
			if resp.Content != "" {
				cb(StreamEvent{Kind: StreamTextDelta, Text: resp.Content})
			}
			cb(StreamEvent{Kind: StreamDone, Response: resp})
		}
	}

	status := "ok"
	if err != nil {
		status = string(ClassifyError(err))
	}
	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	r.metrics.RecordProviderRequest(p.Name(), model, status, time.Since(started).Seconds(), in, out)

	if resp != nil && resp.Model == "" {
		resp.Model = model
	}
	return resp, err
}
