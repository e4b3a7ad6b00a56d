package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind groups provider failures by how a workflow stage should react to them.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindAuth           Kind = "auth"
	KindNotFound       Kind = "not_found"
	KindContextLength  Kind = "context_length"
	KindContentFilter  Kind = "content_filter"
	KindRateLimit      Kind = "rate_limit"
	KindQuota          Kind = "quota"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server"
	KindUnknown        Kind = "unknown"
)

// APIError is a failed provider call.
type APIError struct {
	Provider string
	Status   int
	Kind     Kind
	Message  string
	// RetryAfter is the server's hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s (%d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether sending the same request again may succeed.
// Timeouts are not retried: the stage deadline already covers them.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindUnknown:
		return true
	}
	return false
}

// ConfigurationError means the request never reached a provider.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "llm: " + e.Message }

// ErrorFromHTTPStatus classifies a provider response. The message is
// consulted because providers report context overflows and exhausted quota
// with generic statuses.
func ErrorFromHTTPStatus(provider string, status int, message string, header http.Header) error {
	e := &APIError{Provider: provider, Status: status, Message: message, Kind: kindOfStatus(status)}
	if k, ok := kindOfMessage(message); ok && (status == 0 || status == 400 || status == 413 || status == 429) {
		e.Kind = k
	}
	if header != nil {
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

// NewRequestTimeoutError reports a call that produced no response in time.
func NewRequestTimeoutError(provider, message string) error {
	return &APIError{Provider: provider, Kind: KindTimeout, Message: message}
}

func kindOfStatus(status int) Kind {
	switch {
	case status == 400 || status == 422:
		return KindInvalidRequest
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 408:
		return KindTimeout
	case status == 413:
		return KindContextLength
	case status == 429:
		return KindRateLimit
	case status >= 500 && status <= 504:
		return KindServer
	}
	return KindUnknown
}

func kindOfMessage(msg string) (Kind, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "context length"), strings.Contains(m, "context_length"),
		strings.Contains(m, "too many tokens"), strings.Contains(m, "maximum context"):
		return KindContextLength, true
	case strings.Contains(m, "quota"), strings.Contains(m, "insufficient_quota"), strings.Contains(m, "billing"):
		return KindQuota, true
	case strings.Contains(m, "content filter"), strings.Contains(m, "content_filter"), strings.Contains(m, "safety system"):
		return KindContentFilter, true
	}
	return "", false
}

// ParseRetryAfter accepts delay-seconds or an HTTP date. Unparseable or
// past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// KindOf returns the kind of the first APIError in err's chain.
func KindOf(err error) Kind {
	var e *APIError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Retryable()
}
