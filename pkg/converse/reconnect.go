package converse

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectionState is the scheduler's own lifecycle, separate from the
// connection state machine.
type ReconnectionState string

const (
	ReconnectionIdle         ReconnectionState = "idle"
	ReconnectionWaiting      ReconnectionState = "waiting"
	ReconnectionReconnecting ReconnectionState = "reconnecting"
	ReconnectionConnected    ReconnectionState = "connected"
	ReconnectionFailed       ReconnectionState = "failed"
	ReconnectionCircuitOpen  ReconnectionState = "circuit_breaker_open"
)

// ReconnectionConfig tunes the scheduler. Zero values are replaced with the
// defaults below when the scheduler is constructed.
type ReconnectionConfig struct {
	Enabled                 bool
	MaxAttempts             int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	JitterFactor            float64
	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration

	// AvoidMeteredNetworks skips network-triggered reconnects on metered
	// links. PreferredNetwork, when set, doubles the delay on other links.
	AvoidMeteredNetworks bool
	PreferredNetwork     NetworkType
}

// DefaultReconnectionConfig returns the stock tuning: five attempts starting
// around one second apart, breaker opening after five failures in a minute.
func DefaultReconnectionConfig() ReconnectionConfig {
	return ReconnectionConfig{
		Enabled:                 true,
		MaxAttempts:             5,
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		JitterFactor:            0.25,
		CircuitBreakerThreshold: 5,
		CircuitBreakerWindow:    time.Minute,
	}
}

// ReconnectFunc re-runs the full connect sequence and reports the outcome.
type ReconnectFunc func(ctx context.Context) error

type reconnectionListener struct {
	id uint64
	fn func(ReconnectionState)
}

// ReconnectionScheduler decides whether and when to retry a dropped
// connection. It keeps an attempt counter, a bounded window of failure
// timestamps for circuit breaking, and at most one outstanding delayed job;
// scheduling again cancels the previous job.
type ReconnectionScheduler struct {
	mu       sync.Mutex
	cfg      ReconnectionConfig
	state    ReconnectionState
	attempts int
	failures []time.Time

	jobSeq    uint64
	jobCancel context.CancelFunc

	listenerSeq uint64
	listeners   []reconnectionListener

	log *Logger
}

func NewReconnectionScheduler(cfg ReconnectionConfig) *ReconnectionScheduler {
	def := DefaultReconnectionConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerWindow <= 0 {
		cfg.CircuitBreakerWindow = def.CircuitBreakerWindow
	}
	return &ReconnectionScheduler{
		cfg:   cfg,
		state: ReconnectionIdle,
		log:   GetGlobalLogger().WithComponent("reconnect"),
	}
}

// State returns the scheduler's current lifecycle state.
func (s *ReconnectionScheduler) State() ReconnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns how many reconnect attempts have run since the last
// success or reset.
func (s *ReconnectionScheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// EstimateNextDelay previews the delay the next scheduled attempt would be
// given. The real delay is drawn again at schedule time, so treat this as
// advisory.
func (s *ReconnectionScheduler) EstimateNextDelay(multiplier float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeDelayLocked(s.attempts, multiplier)
}

// FailureCount returns the number of failures inside the breaker window.
func (s *ReconnectionScheduler) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneFailuresLocked(time.Now())
	return len(s.failures)
}

// AddStateListener registers a listener for scheduler state changes and
// returns an unsubscribe function. Listeners fire on changes only.
func (s *ReconnectionScheduler) AddStateListener(fn func(ReconnectionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners = append(s.listeners, reconnectionListener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// ScheduleReconnection schedules a delayed reconnect attempt. Gates are
// evaluated in order: auto-reconnect enabled, circuit breaker, attempt cap.
// A prior pending job is cancelled so at most one is ever outstanding. The
// wait and the attempt run off the caller's path; failures record a
// timestamp and loop back through the gates for the next attempt.
func (s *ReconnectionScheduler) ScheduleReconnection(delayMultiplier float64, reconnect ReconnectFunc) {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("auto-reconnect disabled, not scheduling")
		return
	}
	now := time.Now()
	s.pruneFailuresLocked(now)
	if len(s.failures) >= s.cfg.CircuitBreakerThreshold {
		failures := len(s.failures)
		s.mu.Unlock()
		s.log.Warnf("circuit breaker open: %d failures within %s", failures, s.cfg.CircuitBreakerWindow)
		s.setState(ReconnectionCircuitOpen)
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		attempts := s.attempts
		s.mu.Unlock()
		s.log.Warnf("reconnect attempts exhausted after %d", attempts)
		s.setState(ReconnectionFailed)
		return
	}

	if s.jobCancel != nil {
		s.jobCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.jobCancel = cancel
	s.jobSeq++
	seq := s.jobSeq
	attempt := s.attempts
	delay := s.computeDelayLocked(attempt, delayMultiplier)
	s.mu.Unlock()

	s.setState(ReconnectionWaiting)
	s.log.Infof("reconnect attempt %d in %s", attempt+1, delay)
	go s.runJob(ctx, seq, delay, delayMultiplier, reconnect)
}

// HandleNetworkAvailable reacts to a network coming up: skip metered links
// when configured to, lengthen the delay on a non-preferred network type,
// otherwise schedule normally.
func (s *ReconnectionScheduler) HandleNetworkAvailable(network NetworkState, reconnect ReconnectFunc) {
	s.mu.Lock()
	avoidMetered := s.cfg.AvoidMeteredNetworks
	preferred := s.cfg.PreferredNetwork
	s.mu.Unlock()

	if avoidMetered && network.IsMetered {
		s.log.Infof("network %s is metered, not reconnecting", network.Type)
		return
	}
	multiplier := 1.0
	if preferred != "" && network.Type != preferred {
		multiplier = 2.0
		s.log.Infof("network %s is not preferred %s, doubling delay", network.Type, preferred)
	}
	s.ScheduleReconnection(multiplier, reconnect)
}

// HandleNetworkLost cancels any pending attempt and parks the scheduler in
// waiting. Nothing fires again until a network-available notification.
func (s *ReconnectionScheduler) HandleNetworkLost() {
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.mu.Unlock()
	s.setState(ReconnectionWaiting)
}

// Cancel aborts any pending attempt and returns the scheduler to idle.
// Attempt and failure history are kept; use Reset to clear them.
func (s *ReconnectionScheduler) Cancel() {
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.mu.Unlock()
	s.setState(ReconnectionIdle)
}

// Reset cancels any pending attempt and clears all counters and failure
// history, as for a brand new session.
func (s *ReconnectionScheduler) Reset() {
	s.mu.Lock()
	if s.jobCancel != nil {
		s.jobCancel()
		s.jobCancel = nil
	}
	s.attempts = 0
	s.failures = s.failures[:0]
	s.mu.Unlock()
	s.setState(ReconnectionIdle)
}

func (s *ReconnectionScheduler) runJob(ctx context.Context, seq uint64, delay time.Duration, delayMultiplier float64, reconnect ReconnectFunc) {
	for {
		if !sleepContext(ctx, delay) {
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil || seq != s.jobSeq {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.setState(ReconnectionReconnecting)
		s.log.Infof("running reconnect attempt %d", attempt)

		err := reconnect(ctx)
		if err == nil {
			s.mu.Lock()
			s.attempts = 0
			s.failures = s.failures[:0]
			if seq == s.jobSeq {
				s.jobCancel = nil
			}
			s.mu.Unlock()
			s.setState(ReconnectionConnected)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warnf("reconnect attempt %d failed", attempt)

		// Re-evaluate every gate before looping; this is the re-entrant
		// scheduling step, kept iterative so attempts never grow the stack.
		s.mu.Lock()
		now := time.Now()
		s.failures = append(s.failures, now)
		s.pruneFailuresLocked(now)
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		if len(s.failures) >= s.cfg.CircuitBreakerThreshold {
			failures := len(s.failures)
			s.mu.Unlock()
			s.log.Warnf("circuit breaker open: %d failures within %s", failures, s.cfg.CircuitBreakerWindow)
			s.setState(ReconnectionCircuitOpen)
			return
		}
		if s.attempts >= s.cfg.MaxAttempts {
			attempts := s.attempts
			s.mu.Unlock()
			s.log.Warnf("reconnect attempts exhausted after %d", attempts)
			s.setState(ReconnectionFailed)
			return
		}
		delay = s.computeDelayLocked(s.attempts, delayMultiplier)
		s.mu.Unlock()

		s.setState(ReconnectionWaiting)
		s.log.Infof("reconnect attempt %d in %s", attempt+1, delay)
	}
}

// computeDelayLocked returns min(base * 2^attempt, max) with symmetric
// jitter of ±jitterFactor applied, scaled by the multiplier and clamped to
// be non-negative. Callers hold s.mu.
func (s *ReconnectionScheduler) computeDelayLocked(attempt int, multiplier float64) time.Duration {
	delay := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.cfg.MaxDelay) {
		delay = float64(s.cfg.MaxDelay)
	}
	if s.cfg.JitterFactor > 0 {
		delay *= 1 + (rand.Float64()*2-1)*s.cfg.JitterFactor
	}
	delay *= multiplier
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (s *ReconnectionScheduler) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.CircuitBreakerWindow)
	kept := s.failures[:0]
	for _, ts := range s.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.failures = kept
}

func (s *ReconnectionScheduler) setState(next ReconnectionState) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	listeners := make([]reconnectionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Debugf("scheduler %s -> %s", prev, next)
	for _, l := range listeners {
		l.fn(next)
	}
}

// sleepContext waits for d or until ctx is cancelled, reporting true when
// the full delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
