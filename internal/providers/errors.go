package providers

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason classifies a provider failure for retry and fallback
// decisions.
type FailoverReason string

const (
	ReasonBilling          FailoverReason = "billing"
	ReasonRateLimit        FailoverReason = "rate_limit"
	ReasonAuth             FailoverReason = "auth"
	ReasonTimeout          FailoverReason = "timeout"
	ReasonServerError      FailoverReason = "server_error"
	ReasonInvalidRequest   FailoverReason = "invalid_request"
	ReasonModelUnavailable FailoverReason = "model_unavailable"
	ReasonContentFilter    FailoverReason = "content_filter"
	ReasonPanic            FailoverReason = "panic"
	ReasonUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether the same provider is worth retrying.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the next provider in the chain should be
// tried instead.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case ReasonBilling, ReasonAuth, ReasonModelUnavailable, ReasonRateLimit,
		ReasonServerError, ReasonTimeout, ReasonPanic, ReasonUnknown:
		return true
	default:
		return false
	}
}

// ProviderError wraps a provider failure with classification and context.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Reason))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies cause and builds a ProviderError.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Reason:   ClassifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// WithStatus attaches the HTTP status and refines the classification.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithMessage attaches a human-readable detail.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithReason overrides the classification.
func (e *ProviderError) WithReason(r FailoverReason) *ProviderError {
	e.Reason = r
	return e
}

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func classifyStatus(status int) FailoverReason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 404:
		return ReasonModelUnavailable
	case status == 429:
		return ReasonRateLimit
	case status == 400 || status == 422:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// ClassifyError maps an arbitrary error onto a FailoverReason by content.
// Classification is string-based because SDK error types vary per vendor.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "credit"):
		return ReasonBilling
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "model_not_found"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "content filter"),
		strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "safety"):
		return ReasonContentFilter
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "529"):
		return ReasonServerError
	case strings.Contains(msg, "bad request"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}
