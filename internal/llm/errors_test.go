package llm

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"12":                            12 * time.Second,
		"Sat, 07 Feb 2026 00:00:10 GMT": 10 * time.Second,
		"Fri, 06 Feb 2026 23:00:00 GMT": 0,
		"-3":                            0,
		"soon":                          0,
		"":                              0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in, now); got != want {
			t.Fatalf("ParseRetryAfter(%q)=%v want %v", in, got, want)
		}
	}
}

func TestErrorFromHTTPStatus_Kinds(t *testing.T) {
	cases := []struct {
		status    int
		msg       string
		kind      Kind
		retryable bool
	}{
		{400, "bad field", KindInvalidRequest, false},
		{401, "bad key", KindAuth, false},
		{403, "forbidden", KindAuth, false},
		{404, "no such model", KindNotFound, false},
		{408, "slow", KindTimeout, false},
		{413, "too big", KindContextLength, false},
		{429, "slow down", KindRateLimit, true},
		{429, "You exceeded your current quota", KindQuota, false},
		{400, "This model's maximum context length is 8192 tokens", KindContextLength, false},
		{400, "blocked by content filter", KindContentFilter, false},
		{503, "overloaded", KindServer, true},
		{500, "quota service unavailable", KindServer, true},
		{599, "odd", KindUnknown, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%s", tc.status, tc.msg), func(t *testing.T) {
			err := ErrorFromHTTPStatus("openai", tc.status, tc.msg, nil)
			if KindOf(err) != tc.kind {
				t.Fatalf("kind=%q want %q", KindOf(err), tc.kind)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("retryable=%v want %v", IsRetryable(err), tc.retryable)
			}
		})
	}
}

func TestErrorFromHTTPStatus_RetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := ErrorFromHTTPStatus("openai", 429, "slow down", h)
	e, ok := err.(*APIError)
	if !ok || e.RetryAfter != 7*time.Second {
		t.Fatalf("got %#v", err)
	}
	if got := e.Error(); got != "openai rate_limit (429): slow down" {
		t.Fatalf("message: %q", got)
	}
}

func TestNewRequestTimeoutError(t *testing.T) {
	err := NewRequestTimeoutError("openai", "deadline")
	if IsRetryable(err) {
		t.Fatalf("timeouts should not be retried")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind=%q", KindOf(err))
	}
	if err.Error() != "openai timeout: deadline" {
		t.Fatalf("message: %q", err.Error())
	}
	if KindOf(fmt.Errorf("plain")) != "" || IsRetryable(&ConfigurationError{Message: "x"}) {
		t.Fatalf("non-API errors must not classify")
	}
}
