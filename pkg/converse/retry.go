package converse

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryStrategy separates the yes/no retry decision from the delay curve so
// backoff policy can be swapped without touching call sites. ShouldRetry may
// block (it takes a context for that reason); RetryDelay is pure.
//
// Attempt numbers start at 1.
type RetryStrategy interface {
	ShouldRetry(ctx context.Context, err error, attempt int) bool
	RetryDelay(attempt int) time.Duration
}

// ExponentialBackoffStrategy doubles the delay per attempt up to a cap, with
// positive-only jitter so the delay never shrinks below the exponential curve.
type ExponentialBackoffStrategy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// NewExponentialBackoffStrategy validates its parameters up front and fails
// fast with a ConfigurationError on a bad combination.
func NewExponentialBackoffStrategy(maxAttempts int, baseDelay, maxDelay time.Duration, jitterFactor float64) (*ExponentialBackoffStrategy, error) {
	if maxAttempts <= 0 {
		return nil, NewConfigError("maxAttempts must be positive").AddDetail("max_attempts", maxAttempts)
	}
	if baseDelay <= 0 {
		return nil, NewConfigError("baseDelay must be positive").AddDetail("base_delay", baseDelay.String())
	}
	if maxDelay < baseDelay {
		return nil, NewConfigError("maxDelay must be at least baseDelay").
			AddDetail("base_delay", baseDelay.String()).
			AddDetail("max_delay", maxDelay.String())
	}
	if jitterFactor < 0 || jitterFactor > 1 {
		return nil, NewConfigError("jitterFactor must be within [0, 1]").AddDetail("jitter_factor", jitterFactor)
	}
	return &ExponentialBackoffStrategy{
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		jitterFactor: jitterFactor,
	}, nil
}

// ShouldRetry declines once the attempt cap is reached or the context is
// done, then decides by error kind: recoverable connection errors, rate
// limits, and connection/response timeouts retry; authentication errors and
// everything else do not.
func (s *ExponentialBackoffStrategy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if attempt >= s.maxAttempts {
		return false
	}
	return IsRetryableError(err)
}

// RetryDelay returns min(baseDelay * 2^(attempt-1) + jitter, maxDelay) where
// jitter is uniform in [0, jitterFactor * exponentialDelay).
func (s *ExponentialBackoffStrategy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(s.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(s.maxDelay) {
		exp = float64(s.maxDelay)
	}
	delay := exp
	if s.jitterFactor > 0 {
		delay += rand.Float64() * s.jitterFactor * exp
	}
	if delay > float64(s.maxDelay) {
		delay = float64(s.maxDelay)
	}
	return time.Duration(delay)
}

// LinearBackoffStrategy grows the delay by a fixed increment per attempt up
// to a cap. Its eligibility is looser than the exponential policy: all
// timeout sub-kinds retry.
type LinearBackoffStrategy struct {
	maxAttempts    int
	delayIncrement time.Duration
	maxDelay       time.Duration
}

func NewLinearBackoffStrategy(maxAttempts int, delayIncrement, maxDelay time.Duration) (*LinearBackoffStrategy, error) {
	if maxAttempts <= 0 {
		return nil, NewConfigError("maxAttempts must be positive").AddDetail("max_attempts", maxAttempts)
	}
	if delayIncrement <= 0 {
		return nil, NewConfigError("delayIncrement must be positive").AddDetail("delay_increment", delayIncrement.String())
	}
	if maxDelay < delayIncrement {
		return nil, NewConfigError("maxDelay must be at least delayIncrement").
			AddDetail("delay_increment", delayIncrement.String()).
			AddDetail("max_delay", maxDelay.String())
	}
	return &LinearBackoffStrategy{
		maxAttempts:    maxAttempts,
		delayIncrement: delayIncrement,
		maxDelay:       maxDelay,
	}, nil
}

func (s *LinearBackoffStrategy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if attempt >= s.maxAttempts {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Recoverable
	}
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// RetryDelay returns min(delayIncrement * attempt, maxDelay).
func (s *LinearBackoffStrategy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.delayIncrement * time.Duration(attempt)
	if delay > s.maxDelay || delay < 0 {
		delay = s.maxDelay
	}
	return delay
}

// NoRetryStrategy always declines.
type NoRetryStrategy struct{}

func NewNoRetryStrategy() *NoRetryStrategy { return &NoRetryStrategy{} }

func (*NoRetryStrategy) ShouldRetry(context.Context, error, int) bool { return false }

func (*NoRetryStrategy) RetryDelay(int) time.Duration { return 0 }
