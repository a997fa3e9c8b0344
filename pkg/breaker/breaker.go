package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultTimeout      = 500 * time.Millisecond
	defaultWindow       = 10 * time.Second
	defaultCooldown     = 5 * time.Second
	defaultMinRequests  = 10
	defaultFailureRatio = 0.5
)

var (
	// ErrOpen is returned without calling the dependency while the circuit is
	// open, or while the half-open trial call is in flight.
	ErrOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a call exceeds the per-call timeout. The call
	// may still have been applied by the dependency.
	ErrTimeout = errors.New("call timed out")
)

// State mirrors the breaker states.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Settings configure a Breaker.
type Settings struct {
	Name         string
	Timeout      time.Duration
	Window       time.Duration
	FailureRatio float64
	MinRequests  uint32
	Cooldown     time.Duration
	// IsSuccessful reports errors that still prove the dependency healthy,
	// such as business rejections. Nil counts every error as a failure.
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to State)
}

// Breaker guards calls to a dependency with a failure-ratio circuit breaker
// and a per-call timeout.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

// New builds a breaker, filling zero settings with defaults.
func New(s Settings) *Breaker {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.Window <= 0 {
		s.Window = defaultWindow
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	if s.MinRequests == 0 {
		s.MinRequests = defaultMinRequests
	}
	if s.FailureRatio <= 0 || s.FailureRatio >= 1 {
		s.FailureRatio = defaultFailureRatio
	}
	minRequests, ratio := s.MinRequests, s.FailureRatio
	isSuccessful := s.IsSuccessful

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		// Counts reset every Interval, so the window is fixed rather than
		// sliding. The circuit opens only once the ratio exceeds the threshold.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > ratio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return isSuccessful != nil && isSuccessful(err)
		},
		OnStateChange: s.OnStateChange,
	})
	return &Breaker{cb: cb, timeout: s.Timeout}
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Execute runs fn through the breaker. fn receives a context carrying the
// per-call deadline but detached from the caller's cancellation, so a caller
// that goes away never aborts a mutation already sent to the dependency.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (any, error) {
		return b.call(ctx, func(callCtx context.Context) (any, error) {
			return fn(callCtx)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s", ErrOpen, b.cb.Name())
		}
		return zero, err
	}
	typed, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("breaker %s: unexpected result type %T", b.cb.Name(), res)
	}
	return typed, nil
}

// Do is Execute for calls without a result.
func Do(ctx context.Context, b *Breaker, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, fn(callCtx)
	})
	return err
}

type result struct {
	value any
	err   error
}

func (b *Breaker) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		value, err := fn(callCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, b.timeout, r.err)
		}
		return r.value, r.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, b.timeout)
	}
}
