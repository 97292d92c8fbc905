// Package resilience provides the circuit breaker and retry/backoff helpers
// shared by the hook manager and execution engine.
package resilience

import (
	"sync"
	"time"

	"github.com/atms-dev/atms/internal/logger"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrorClassifier decides whether an error should count toward the breaker's
// failure threshold. Errors representing caller mistakes (bad config, not
// found) should return false so a broken caller can't trip the breaker for
// everyone else.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every non-nil error.
func DefaultErrorClassifier(err error) bool { return err != nil }

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SleepWindow      time.Duration // time spent open before trying half-open
	HalfOpenTrials   int           // successes required in half-open to close
	ErrorClassifier  ErrorClassifier
	Logger           logger.Logger
}

// DefaultConfig returns sensible defaults, grounded on the teacher's
// resilience.DefaultConfig: a handful of consecutive failures trips the
// breaker, a 30s cooldown, and a few trial requests to confirm recovery.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenTrials:   2,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           logger.NoOp{},
	}
}

// CircuitBreaker is a consecutive-failure-counting breaker guarding a
// repeatedly-invoked external operation (hook subprocess spawns, in ATMS).
type CircuitBreaker struct {
	mu sync.Mutex

	cfg Config

	state           State
	consecutiveFail int
	halfOpenSucc    int
	openedAt        time.Time
}

// New creates a CircuitBreaker from cfg, applying defaults for zero fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 2
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NoOp{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CanExecute reports whether a new call should be allowed through. Open
// breakers reject until the sleep window elapses, at which point the breaker
// turns half-open; a half-open breaker admits every caller until
// HalfOpenTrials successes close it or a counted failure reopens it.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.state = StateHalfOpen
			cb.halfOpenSucc = 0
			cb.cfg.Logger.Info("circuit breaker entering half-open", map[string]interface{}{
				"name": cb.cfg.Name,
			})
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordResult updates breaker state from the outcome of a call that
// CanExecute had admitted.
func (cb *CircuitBreaker) RecordResult(err error) {
	counts := err != nil && cb.cfg.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if counts {
			cb.trip()
			return
		}
		cb.halfOpenSucc++
		if cb.halfOpenSucc >= cb.cfg.HalfOpenTrials {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.cfg.Logger.Info("circuit breaker closed", map[string]interface{}{"name": cb.cfg.Name})
		}
	case StateClosed:
		if !counts {
			cb.consecutiveFail = 0
			return
		}
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.cfg.Logger.Warn("circuit breaker opened", map[string]interface{}{
		"name":              cb.cfg.Name,
		"consecutive_fails": cb.consecutiveFail,
	})
}

// State returns the current state, for tests and diagnostics.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
