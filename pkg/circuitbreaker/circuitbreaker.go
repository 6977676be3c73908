package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker is open.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

type Config struct {
	FailureThreshold    int           // consecutive failures that open the circuit
	SuccessThreshold    int           // half-open successes that close it again
	Timeout             time.Duration // open period before probing
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             15 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// Breaker guards calls to a dependency that may be down.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int
	changedAt time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, changedAt: time.Now()}
}

// OnStateChange registers fn, called synchronously after each transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs fn unless the circuit is open. fn's error is returned as is.
func (b *Breaker) Execute(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Do is Execute for functions returning a value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if state, ok := b.admit(); !ok {
		return zero, fmt.Errorf("%w (%s)", ErrOpen, state)
	}
	result, err := fn()
	b.record(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (b *Breaker) admit() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.changedAt) < b.cfg.Timeout {
			return b.state, false
		}
		b.transitionLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.MaxRequestsHalfOpen {
			return b.state, false
		}
		b.inFlight++
	}
	return b.state, true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	if err != nil {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
		return
	}
	b.failures = 0
	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.changedAt = b.now()
	b.failures, b.successes, b.inFlight = 0, 0, 0
	if fn := b.onStateChange; fn != nil {
		b.mu.Unlock()
		fn(from, to)
		b.mu.Lock()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}
