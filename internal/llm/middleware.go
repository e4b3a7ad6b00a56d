package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type CompleteFunc func(ctx context.Context, req Request) (Response, error)

type Middleware func(next CompleteFunc) CompleteFunc

// WithRateLimit blocks each call until the limiter grants a token.
func WithRateLimit(l *rate.Limiter) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			if l != nil {
				if err := l.Wait(ctx); err != nil {
					return Response{}, fmt.Errorf("rate limit wait: %w", err)
				}
			}
			return next(ctx, req)
		}
	}
}

// NewLimiter returns nil when rps is not positive, meaning unlimited.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// WithRetry re-sends calls that failed with a retryable APIError, up to max
// extra attempts. The wait doubles from base and honours Retry-After.
func WithRetry(max int, base time.Duration) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			resp, err := next(ctx, req)
			for attempt := 0; attempt < max && err != nil && IsRetryable(err); attempt++ {
				wait := base << attempt
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
					wait = apiErr.RetryAfter
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return Response{}, err
				case <-t.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

// WithTimeout bounds every call. A deadline hit surfaces as a KindTimeout APIError.
func WithTimeout(d time.Duration) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(cctx, req)
			if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return Response{}, NewRequestTimeoutError(req.Provider, fmt.Sprintf("no response within %s", d))
			}
			return resp, err
		}
	}
}

// WithDefaultModel fills Request.Model when the caller left it empty.
func WithDefaultModel(model string) Middleware {
	model = strings.TrimSpace(model)
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			if strings.TrimSpace(req.Model) == "" {
				req.Model = model
			}
			return next(ctx, req)
		}
	}
}
