// Package retry implements the fixed-delay retry policy used for every call to
// the social platform.
//
// The policy retries a call for as long as its response status is retryable.
// By default that is any status outside 200-299, the delay is five minutes,
// and there is no attempt cap: a failure storm is bounded only by whoever owns
// the surrounding context or process.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	logx "plotbot/pkg/logx"
)

// DefaultDelay is the backoff inserted before every retried call.
const DefaultDelay = 300 * time.Second

// maxBodyLog bounds how much of a failed response body is logged.
const maxBodyLog = 2048

// ErrAttemptsExhausted is returned when MaxAttempts > 0 and every attempt
// ended with a retryable failure.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Decision is the outcome of classifying one response.
type Decision int

const (
	// GiveUp means the response is final: return it to the caller.
	GiveUp Decision = iota
	// Retry means sleep Delay and issue the call again.
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "give_up"
}

// Result is a fully-read HTTP response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError reports a non-2xx response that the policy did not retry.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// IsSuccess reports whether status is in the 2xx range.
func IsSuccess(status int) bool { return status >= 200 && status <= 299 }

// NonSuccess is the default retryable predicate: every status outside 2xx,
// including 0 for calls that never produced a response.
func NonSuccess(status int) bool { return !IsSuccess(status) }

// Policy decides whether and how to retry a remote call.
//
// The zero value is usable and behaves like Default().
type Policy struct {
	// Delay is the fixed backoff between attempts. 0 means DefaultDelay.
	Delay time.Duration
	// MaxAttempts caps the total number of attempts. 0 means unlimited.
	MaxAttempts int
	// Retryable classifies a status code. nil means NonSuccess.
	Retryable func(status int) bool
	// Sleep waits d or until ctx ends. nil means a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	Log logx.Logger
}

// Default returns the production policy: 300s fixed delay, no attempt cap,
// retry on anything that is not 2xx.
func Default(log logx.Logger) Policy {
	return Policy{Delay: DefaultDelay, Retryable: NonSuccess, Log: log}
}

// Decide classifies a status code. 2xx is always final.
func (p Policy) Decide(status int) Decision {
	if IsSuccess(status) {
		return GiveUp
	}
	pred := p.Retryable
	if pred == nil {
		pred = NonSuccess
	}
	if pred(status) {
		return Retry
	}
	return GiveUp
}

// Do issues send until it yields a final response.
//
// send must build a fresh request on every call; request bodies are not
// rewound. The response body is read fully and closed by Do.
func (p Policy) Do(ctx context.Context, op string, send func(ctx context.Context) (*http.Response, error)) (*Result, error) {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := roundTrip(ctx, send)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			lastErr = fmt.Errorf("%s: %w", op, err)
			log.Warn("remote call failed; retrying",
				logx.String("op", op),
				logx.Int("attempt", attempt),
				logx.Int("status", 0),
				logx.Err(err),
				logx.Duration("delay", delay),
			)
		case p.Decide(res.Status) == GiveUp:
			if IsSuccess(res.Status) {
				if attempt > 1 {
					log.Info("remote call recovered", logx.String("op", op), logx.Int("attempts", attempt))
				}
				return res, nil
			}
			return res, &StatusError{Op: op, Status: res.Status, Body: clip(res.Body)}
		default:
			lastErr = &StatusError{Op: op, Status: res.Status, Body: clip(res.Body)}
			log.Warn("remote call returned an error status; retrying",
				logx.String("op", op),
				logx.Int("attempt", attempt),
				logx.Int("status", res.Status),
				logx.String("body", clip(res.Body)),
				logx.Duration("delay", delay),
			)
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
}

func roundTrip(ctx context.Context, send func(ctx context.Context) (*http.Response, error)) (*Result, error) {
	resp, err := send(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clip(b []byte) string {
	if len(b) <= maxBodyLog {
		return string(b)
	}
	return string(b[:maxBodyLog]) + "..."
}
