package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
}

func TestBucketAllowsBurstThenRefills(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{PerSecond: 1, Burst: 3}, WithNow(clock.Now))

	for i := 0; i < 3; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("Allow() = false on burst request %d, want true", i+1)
		}
	}
	if l.Allow("user-1") {
		t.Error("Allow() = true with bucket drained, want false")
	}

	clock.Advance(time.Second)
	if !l.Allow("user-1") {
		t.Error("Allow() = false after 1s refill, want true")
	}
	if l.Allow("user-1") {
		t.Error("Allow() = true after consuming the refilled token, want false")
	}

	clock.Advance(500 * time.Millisecond)
	if l.Allow("user-1") {
		t.Error("Allow() = true with only half a token refilled, want false")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{PerSecond: 1, Burst: 1}, WithNow(clock.Now))

	if !l.Allow("user-1") {
		t.Fatal("Allow(user-1) = false, want true")
	}
	if l.Allow("user-1") {
		t.Error("Allow(user-1) = true with bucket drained, want false")
	}
	if !l.Allow("user-2") {
		t.Error("Allow(user-2) = false, want an independent bucket")
	}
}

func TestDisabledLimiterPassesEverything(t *testing.T) {
	l := NewLimiter(Config{PerSecond: 1, Burst: 1, Disabled: true})

	for i := 0; i < 50; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("Allow() = false on request %d with limiter disabled", i+1)
		}
	}
	if got := l.RetryAfter("user-1"); got != 0 {
		t.Errorf("RetryAfter() = %v with limiter disabled, want 0", got)
	}
}

func TestRetryAfterReportsRefillTime(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{PerSecond: 2, Burst: 1}, WithNow(clock.Now))

	if got := l.RetryAfter("user-1"); got != 0 {
		t.Errorf("RetryAfter() = %v with a full bucket, want 0", got)
	}
	if !l.Allow("user-1") {
		t.Fatal("Allow() = false, want true")
	}
	if got := l.RetryAfter("user-1"); got != 500*time.Millisecond {
		t.Errorf("RetryAfter() = %v, want 500ms at 2 tokens/s", got)
	}

	clock.Advance(250 * time.Millisecond)
	if got := l.RetryAfter("user-1"); got != 250*time.Millisecond {
		t.Errorf("RetryAfter() = %v after 250ms, want 250ms", got)
	}
}

func TestDefaultsApply(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{}, WithNow(clock.Now))

	// Default burst is 2×rate = 20.
	for i := 0; i < 20; i++ {
		if !l.Allow("user-1") {
			t.Fatalf("Allow() = false on request %d, want default burst of 20", i+1)
		}
	}
	if l.Allow("user-1") {
		t.Error("Allow() = true past the default burst, want false")
	}
}

func TestPruneEvictsRefilledBuckets(t *testing.T) {
	clock := newClock()
	l := NewLimiter(Config{PerSecond: 1, Burst: 2}, WithNow(clock.Now), WithMaxKeys(2))

	l.Allow("a")
	l.Allow("b")

	// Both buckets refill to capacity while idle, so creating a third
	// key evicts them.
	clock.Advance(time.Minute)
	l.Allow("c")

	l.mu.RLock()
	_, aLives := l.buckets["a"]
	_, bLives := l.buckets["b"]
	_, cLives := l.buckets["c"]
	n := len(l.buckets)
	l.mu.RUnlock()

	if aLives || bLives {
		t.Errorf("idle buckets survived prune: a=%v b=%v", aLives, bLives)
	}
	if !cLives {
		t.Error("bucket c missing after creation")
	}
	if n != 1 {
		t.Errorf("bucket count = %d after prune, want 1", n)
	}
}

func TestCompositeKey(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"user-1"}, "user-1"},
		{[]string{"user-1", "orchestrate"}, "user-1:orchestrate"},
		{[]string{"ip", "10.0.0.1", "stream"}, "ip:10.0.0.1:stream"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := CompositeKey(tc.parts...); got != tc.want {
			t.Errorf("CompositeKey(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}
