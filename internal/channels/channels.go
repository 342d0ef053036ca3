// Package channels defines the contract between the runtime and outbound
// channel adapters. The platform adapters themselves (Telegram, Slack,
// Matrix, ...) live outside this repo; the runtime only routes agent
// responses to whichever registered adapter claimed the session's channel
// name.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SendOptions carries per-message delivery hints. Adapters ignore hints
// their platform cannot express.
type SendOptions struct {
	// ReplyTo threads the message under a platform message ID.
	ReplyTo string

	// Silent suppresses the platform notification.
	Silent bool

	// Metadata carries adapter-specific extras.
	Metadata map[string]string
}

// Adapter delivers agent output to one chat platform.
type Adapter interface {
	// Name is the channel identifier sessions reference ("telegram", "cli").
	Name() string

	// Send delivers text to a chat on the platform.
	Send(ctx context.Context, chatID, text string, opts SendOptions) error
}

// Registry maps channel names to adapters. Reads happen on every agent
// response, so lookups take a read lock only.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Registering a second adapter
// for the same channel is an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("channels: adapter is required")
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("channels: adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("channels: adapter %q already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter for a channel name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// Names returns the registered channel names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
