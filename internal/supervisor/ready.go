package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/launcher"
)

// ErrNotReady reports that the helper did not become reachable within the polling budget.
var ErrNotReady = errors.New("supervisor: helper not ready")

// Prober is the part of Supervisor used by EnsureReady.
type Prober interface {
	Probe(ctx context.Context) (State, error)
	Connect(ctx context.Context) (*assuan.Client, error)
}

// Policy bounds the EnsureReady polling loop.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// PolicyFromConfig returns the polling policy configured under [supervisor].
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts: cfg.Supervisor.PollAttempts,
		Backoff:     cfg.PollBackoff(),
		Multiplier:  2,
		MaxBackoff:  cfg.PollMaxBackoff(),
	}
}

// Result is a connected client together with how it was reached.
type Result struct {
	Client   *assuan.Client
	Launched bool
	Handle   launcher.Handle
	Attempts int
}

// EnsureReady probes until the helper accepts a connection and returns the
// connected client. Failed probes and non-refusal connect errors end the loop
// immediately.
func EnsureReady(ctx context.Context, sup Prober, policy Policy) (Result, error) {
	if sup == nil {
		return Result{}, errors.New("ensure ready requires supervisor")
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := policy.Backoff

	var (
		res     Result
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		state, err := sup.Probe(ctx)
		switch state.Kind {
		case KindFailed:
			if err == nil {
				err = state.Err
			}
			return res, err
		case KindStarted:
			res.Launched = true
			res.Handle = state.Handle
			lastErr = fmt.Errorf("helper pid %d not listening yet", state.Handle.PID)
		case KindUninitialized:
			lastErr = errors.New("launch lock held by another process")
		case KindReady:
			client, err := sup.Connect(ctx)
			if err == nil {
				res.Client = client
				return res, nil
			}
			if !retryableConnectError(err) {
				return res, err
			}
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleepContext(ctx, delay); err != nil {
			return res, err
		}
		delay = nextDelay(delay, policy)
	}
	return res, fmt.Errorf("%w after %d attempts: %w", ErrNotReady, maxAttempts, lastErr)
}

func retryableConnectError(err error) bool {
	if errors.Is(err, ErrStaleRetriesExhausted) {
		return false
	}
	return errors.Is(err, assuan.ErrConnectionRefused) || errors.Is(err, assuan.ErrNotFound)
}

func nextDelay(current time.Duration, policy Policy) time.Duration {
	if policy.Multiplier > 1 {
		current = time.Duration(float64(current) * policy.Multiplier)
	}
	if policy.MaxBackoff > 0 && current > policy.MaxBackoff {
		current = policy.MaxBackoff
	}
	return current
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
