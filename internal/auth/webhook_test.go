package auth

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestWebhookSignAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier("wh-secret", WithWebhookNow(func() time.Time { return now }))

	body := []byte(`{"event":"deploy"}`)
	ts := now.Unix()
	sig := v.Sign(ts, body)

	if err := v.Verify(formatInt(ts), sig, body); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier("wh-secret", WithWebhookNow(func() time.Time { return now }))

	ts := now.Unix()
	sig := v.Sign(ts, []byte("original"))

	if err := v.Verify(formatInt(ts), sig, []byte("tampered")); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() of tampered body error = %v, want ErrBadSignature", err)
	}
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier("wh-secret", WithWebhookNow(func() time.Time { return now }))
	body := []byte("payload")

	tests := []struct {
		name string
		ts   int64
		want error
	}{
		{"6 minutes old", now.Add(-6 * time.Minute).Unix(), ErrStaleWebhook},
		{"6 minutes ahead", now.Add(6 * time.Minute).Unix(), ErrStaleWebhook},
		{"4 minutes old", now.Add(-4 * time.Minute).Unix(), nil},
		{"4 minutes ahead", now.Add(4 * time.Minute).Unix(), nil},
	}
	for _, tt := range tests {
		sig := v.Sign(tt.ts, body)
		err := v.Verify(formatInt(tt.ts), sig, body)
		if tt.want == nil && err != nil {
			t.Errorf("%s: Verify() error = %v, want nil", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: Verify() error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestWebhookRejectsGarbageTimestamp(t *testing.T) {
	v := NewWebhookVerifier("wh-secret")
	if err := v.Verify("not-a-number", "v0=abc", []byte("x")); err == nil {
		t.Error("Verify() with garbage timestamp did not error")
	}
}

func TestWebhookDisabled(t *testing.T) {
	v := NewWebhookVerifier("")
	if err := v.Verify("123", "v0=abc", nil); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Verify() error = %v, want ErrAuthDisabled", err)
	}
}

func TestWebhookSignatureDiffersPerSecret(t *testing.T) {
	ts := int64(1_700_000_000)
	body := []byte("same body")
	a := NewWebhookVerifier("secret-a").Sign(ts, body)
	b := NewWebhookVerifier("secret-b").Sign(ts, body)
	if a == b {
		t.Error("signatures identical across different secrets")
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
