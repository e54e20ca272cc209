package clerksync

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"

	"backoffice-backend/internal/storage"
)

// Kind classifies a sync failure by what the caller should do about it.
type Kind int

const (
	// KindRetryable failures are transient and may succeed on a later try.
	KindRetryable Kind = iota + 1
	// KindNonRetryable failures will fail the same way on every try.
	KindNonRetryable
	// KindValidation failures come from a payload that can never be applied.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified sync failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

func NonRetryable(op string, err error) error {
	return &Error{Kind: KindNonRetryable, Op: op, Err: err}
}

func Validation(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind of err. Explicitly classified errors keep their
// kind; storage, driver and network errors are inspected; anything else is
// treated as retryable and left to the attempt budget.
func Classify(err error) Kind {
	if err == nil {
		return 0
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, storage.ErrInvalidReference), errors.Is(err, storage.ErrUpsertRace):
		return KindRetryable
	case errors.Is(err, storage.ErrUserNotFound),
		errors.Is(err, storage.ErrOrgNotFound),
		errors.Is(err, storage.ErrMemberNotFound),
		errors.Is(err, storage.ErrEmailTaken),
		errors.Is(err, storage.ErrSlugTaken),
		errors.Is(err, storage.ErrMemberExists),
		errors.Is(err, storage.ErrExternalIDTaken):
		return KindNonRetryable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return KindRetryable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPQ(pqErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryable
	}

	return KindRetryable
}

func classifyPQ(err *pq.Error) Kind {
	code := string(err.Code)
	switch {
	case code == "40001", code == "40P01", code == "57P01", code == "55P03":
		return KindRetryable
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return KindRetryable
	case strings.HasPrefix(code, "22"), code == "23502", code == "23514":
		return KindValidation
	case code == "23503":
		return KindRetryable
	case strings.HasPrefix(code, "23"):
		return KindNonRetryable
	default:
		return KindNonRetryable
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == KindRetryable
}

// StatusCode maps a sync result to the HTTP status returned to the webhook
// sender. Only retryable failures answer 5xx, so only they are redelivered.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Classify(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNonRetryable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// RetryPolicy bounds WithRetry. Delays grow linearly: BaseDelay after the
// first failure, 2*BaseDelay after the second, and so on.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnRetry, if set, is called before each wait with the 1-based retry
	// number, the delay about to be slept and the error that caused it.
	OnRetry func(op string, retry int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	return time.Duration(n) * p.BaseDelay
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or ctx is done. The returned error is always an
// *Error when fn failed.
func WithRetry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	retries := 0
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		retries++
		delay := policy.Delay(retries)
		if policy.OnRetry != nil {
			policy.OnRetry(op, retries, delay, lastErr)
		}
		return delay, false
	})
	backoff := retry.WithMaxRetries(uint64(policy.MaxAttempts-1), linear)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		if se.Op == "" {
			se.Op = op
		}
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// DeliveryRetryPolicy schedules ledger-level redelivery of failed webhook
// deliveries.
type DeliveryRetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialRetryPolicy doubles the delay per attempt from Initial up to Max.
type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 30 * time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = time.Hour
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}
