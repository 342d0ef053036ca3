// Package ratelimit provides per-client token buckets for the HTTP
// facade. Every key (token subject, remote address, composite) gets its
// own bucket; the key table is pruned of idle buckets when it grows too
// large.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultPerSecond is the sustained request rate per key.
	DefaultPerSecond = 10.0

	// DefaultMaxKeys bounds the key table before idle buckets are
	// pruned.
	DefaultMaxKeys = 10_000

	// pruneFraction is the fill level above which a bucket counts as
	// idle. A full bucket has seen no traffic for at least one refill
	// period.
	pruneFraction = 0.9
)

// Config bounds request rates per key. Zero values take the documented
// defaults.
type Config struct {
	// PerSecond is the sustained request rate. Default: 10.
	PerSecond float64 `json:"per_second"`

	// Burst is the bucket capacity. Default: 2×PerSecond.
	Burst int `json:"burst"`

	// Disabled turns the limiter into a pass-through.
	Disabled bool `json:"disabled"`
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = DefaultPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSecond * 2)
	}
	return c
}

// Bucket is one key's token bucket. Tokens refill continuously at the
// configured rate up to the burst capacity.
type Bucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	perSecond float64
	last      time.Time
	now       func() time.Time
}

// NewBucket creates a full bucket for the config's rate and capacity.
func NewBucket(cfg Config) *Bucket {
	return newBucket(cfg.withDefaults(), time.Now)
}

func newBucket(cfg Config, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:    float64(cfg.Burst),
		capacity:  float64(cfg.Burst),
		perSecond: cfg.PerSecond,
		last:      now(),
		now:       now,
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the current token count.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// RetryAfter returns how long until one token is available. Zero means a
// request would be allowed now.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.perSecond * float64(time.Second))
}

// refill credits tokens for the time since the last refill. Callers hold
// the mutex.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.perSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Limiter manages one bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	maxKeys int

	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxKeys overrides the key-table bound. Default: 10000.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// NewLimiter creates a per-key limiter for the config.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		maxKeys: DefaultMaxKeys,
		buckets: make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the key may make a request now, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.Disabled {
		return true
	}
	return l.bucket(key).Allow()
}

// RetryAfter returns how long the key must wait before a request would
// be allowed.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l.cfg.Disabled {
		return 0
	}
	return l.bucket(key).RetryAfter()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Check again under lock.
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	b = newBucket(l.cfg, l.now)
	l.buckets[key] = b
	return b
}

// prune drops buckets near capacity; those keys have been quiet long
// enough to refill. Callers hold the write lock.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.Tokens() >= b.capacity*pruneFraction {
			delete(l.buckets, key)
		}
	}
}

// CompositeKey joins key parts with ":" so callers can scope limits to
// user+route pairs and the like.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
