package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/miosa-osa/osa/pkg/models"
)

// TopicFirehose carries every event the runtime publishes.
const TopicFirehose = "osa:events"

// SessionTopic names the per-session event topic.
func SessionTopic(sessionID string) string {
	return "osa:session:" + sessionID
}

// TypeTopic names the per-type event topic.
func TypeTopic(typ models.EventType) string {
	return "osa:type:" + string(typ)
}

// DefaultMailboxSize bounds each subscriber's queue.
const DefaultMailboxSize = 256

// Subscription is one subscriber's attachment to a topic. Consume events
// from C; Cancel detaches and closes C. A subscriber that falls behind
// loses its oldest queued events first.
type Subscription struct {
	Topic string
	C     <-chan models.Event

	ps     *PubSub
	ch     chan models.Event
	mu     sync.Mutex
	closed bool
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.ps.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver enqueues without ever blocking the publisher: when the mailbox
// is full the oldest queued event is evicted first.
func (s *Subscription) deliver(ev models.Event, logger *slog.Logger, dropped *atomic.Uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Mailbox full: evict the oldest, then retry once.
	select {
	case <-s.ch:
	default:
	}
	dropped.Add(1)
	logger.Warn("subscriber mailbox full, dropped oldest event",
		"topic", s.Topic,
		"event_type", ev.Type,
		"total_dropped", dropped.Load())

	select {
	case s.ch <- ev:
	default:
	}
}

// PubSub bridges the bus to named topics. Every published event is
// republished to the firehose topic, to its per-type topic, and, when it
// carries a session id, to that session's topic. Subscribers get their own
// bounded mailboxes; a slow subscriber never blocks the producing loop.
type PubSub struct {
	mu          sync.Mutex
	subs        map[string][]*Subscription
	mailboxSize int
	logger      *slog.Logger
	dropped     atomic.Uint64
	detach      func()
}

// PubSubOption configures a PubSub.
type PubSubOption func(*PubSub)

// WithMailboxSize overrides the per-subscriber queue bound.
func WithMailboxSize(n int) PubSubOption {
	return func(p *PubSub) {
		if n > 0 {
			p.mailboxSize = n
		}
	}
}

// WithPubSubLogger sets the logger used for drop warnings.
func WithPubSubLogger(logger *slog.Logger) PubSubOption {
	return func(p *PubSub) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPubSub attaches a bridge to the bus.
func NewPubSub(b *Bus, opts ...PubSubOption) *PubSub {
	p := &PubSub{
		subs:        make(map[string][]*Subscription),
		mailboxSize: DefaultMailboxSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pubsub")
	p.detach = b.SubscribeAll(p.republish)
	return p
}

// Subscribe attaches a new subscriber to a topic.
func (p *PubSub) Subscribe(topic string) *Subscription {
	ch := make(chan models.Event, p.mailboxSize)
	sub := &Subscription{Topic: topic, C: ch, ps: p, ch: ch}

	p.mu.Lock()
	p.subs[topic] = append(p.subs[topic], sub)
	p.mu.Unlock()
	return sub
}

// Close detaches the bridge from the bus and cancels every subscription.
func (p *PubSub) Close() {
	if p.detach != nil {
		p.detach()
	}

	p.mu.Lock()
	all := make([]*Subscription, 0)
	for _, subs := range p.subs {
		all = append(all, subs...)
	}
	p.subs = make(map[string][]*Subscription)
	p.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Dropped reports how many events were evicted from full mailboxes.
func (p *PubSub) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *PubSub) republish(ev models.Event) {
	topics := [3]string{TopicFirehose, TypeTopic(ev.Type), ""}
	if ev.SessionID != "" {
		topics[2] = SessionTopic(ev.SessionID)
	}

	p.mu.Lock()
	var targets []*Subscription
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		targets = append(targets, p.subs[topic]...)
	}
	p.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev, p.logger, &p.dropped)
	}
}

func (p *PubSub) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[sub.Topic]
	kept := subs[:0:0]
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(p.subs, sub.Topic)
	} else {
		p.subs[sub.Topic] = kept
	}
}
