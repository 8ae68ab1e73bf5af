package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"histfetch/internal/logger"
)

// ErrOpen marks calls refused while the breaker is open.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "CLOSED",
	StateOpen:     "OPEN",
	StateHalfOpen: "HALF-OPEN",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Snapshot is a copy of the breaker state for status endpoints.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Breaker opens after threshold consecutive failures and lets one trial call
// through once cooldown has elapsed since the last failure.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	failedAt time.Time
	now      func() time.Time
	notify   func(name string, from, to State)
}

// New returns nil when threshold <= 0; a nil Breaker allows everything.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		return nil
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// SetClock swaps the time source. Tests only.
func (cb *Breaker) SetClock(now func() time.Time) {
	if cb == nil || now == nil {
		return
	}
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// SetStateChangeHandler replaces the default warning log on transitions.
// The handler runs on its own goroutine.
func (cb *Breaker) SetStateChangeHandler(fn func(name string, from, to State)) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.notify = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrOpen without calling fn. Errors for which isFailure reports true count
// against the breaker, other errors and nil count as success. Context
// cancellation is not a verdict on the remote and is not recorded.
func (cb *Breaker) Execute(fn func() error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case isFailure != nil && isFailure(err):
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return err
}

func (cb *Breaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.failedAt) <= cb.cooldown {
		return false
	}
	cb.setState(StateHalfOpen)
	return true
}

func (cb *Breaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

func (cb *Breaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.failedAt = cb.now()
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.threshold) {
		cb.setState(StateOpen)
	}
}

func (cb *Breaker) Snapshot() Snapshot {
	if cb == nil {
		return Snapshot{State: StateClosed.String()}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		Threshold:   cb.threshold,
		LastFailure: cb.failedAt,
	}
}

// setState must be called with mu held.
func (cb *Breaker) setState(to State) {
	from := cb.state
	cb.state = to
	if cb.notify != nil {
		go cb.notify(cb.name, from, to)
		return
	}
	logger.Warnf("[circuit] %s: %s -> %s (failures=%d/%d, cooldown=%s)",
		cb.name, from, to, cb.failures, cb.threshold, cb.cooldown)
}
