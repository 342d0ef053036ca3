package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// WebhookTolerance is the accepted clock skew on signed webhooks.
const WebhookTolerance = 5 * time.Minute

// webhookVersion prefixes the signing base string.
const webhookVersion = "v0"

var (
	// ErrStaleWebhook is returned when the timestamp is outside the window.
	ErrStaleWebhook = errors.New("auth: webhook timestamp outside tolerance")

	// ErrBadSignature is returned when the signature does not match.
	ErrBadSignature = errors.New("auth: webhook signature mismatch")
)

// WebhookVerifier checks inbound webhook signatures.
type WebhookVerifier struct {
	secret []byte
	now    func() time.Time
}

// WebhookOption configures a WebhookVerifier.
type WebhookOption func(*WebhookVerifier)

// WithWebhookNow overrides the clock for tests.
func WithWebhookNow(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewWebhookVerifier builds a verifier. An empty secret disables
// verification; Verify then returns ErrAuthDisabled.
func NewWebhookVerifier(secret string, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether a secret is configured.
func (v *WebhookVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Sign computes the hex signature for a timestamp and raw body. The base
// string is "v0:<unix timestamp>:<raw body>".
func (v *WebhookVerifier) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s:%d:", webhookVersion, timestamp)
	mac.Write(body)
	return webhookVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a webhook signature against the raw body. The timestamp
// header must be a unix-seconds value within ±5 minutes of now; the
// comparison is constant time.
func (v *WebhookVerifier) Verify(timestampHeader, signature string, body []byte) error {
	if !v.Enabled() {
		return ErrAuthDisabled
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("auth: invalid webhook timestamp: %w", err)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > WebhookTolerance || age < -WebhookTolerance {
		return ErrStaleWebhook
	}

	expected := v.Sign(ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
