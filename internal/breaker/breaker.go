package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned without attempting the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current phase of the circuit breaker.
type State int

const (
	// StateClosed - calls pass through, failures are counted.
	StateClosed State = iota
	// StateOpen - calls fail fast for the cool-down period.
	StateOpen
	// StateHalfOpen - exactly one probe call is allowed through.
	StateHalfOpen
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow
	// that opens the circuit.
	FailureThreshold int
	// FailureWindow is the trailing window failures are counted over.
	FailureWindow time.Duration
	// CoolDown is how long the circuit stays open before allowing a probe.
	CoolDown time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		CoolDown:         15 * time.Second,
	}
}

// Breaker is the single choke point for calls to the remote media server.
// It has no knowledge of paths, devices or recordings.
type Breaker struct {
	config Config
	logger *zap.Logger
	name   string

	mu           sync.Mutex
	state        State
	failureCount int
	windowStart  time.Time
	openedAt     time.Time
	probing      bool

	now func() time.Time // overridable for tests
}

// New creates a circuit breaker with the given configuration.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		config: config,
		logger: logger.With(zap.String("breaker", name)),
		name:   name,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn through the breaker. If the circuit is open it returns
// ErrOpen immediately without invoking fn. A context error from fn counts
// as a failure like any other.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)

	return err
}

// allow decides whether a call may proceed, transitioning Open -> HalfOpen
// after the cool-down. Only one probe is admitted in half-open.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.openedAt) < b.config.CoolDown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("Circuit breaker transitioning to half-open")
		return nil

	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil

	default:
		return ErrOpen
	}
}

// record updates breaker state with the outcome of a call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onFailure() {
	now := b.now()

	switch b.state {
	case StateClosed:
		// Restart the trailing window once it has elapsed.
		if b.failureCount == 0 || now.Sub(b.windowStart) > b.config.FailureWindow {
			b.failureCount = 0
			b.windowStart = now
		}
		b.failureCount++

		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.logger.Warn("Circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Duration("cool_down", b.config.CoolDown),
			)
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.logger.Warn("Circuit breaker reopened after failed probe")
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probing = false
		b.logger.Info("Circuit breaker closed after successful probe")

	case StateClosed:
		b.failureCount = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
