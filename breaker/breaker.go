// Package breaker isolates failing external dependencies. Each breaker
// counts consecutive failures for one named service; once the threshold is
// hit, calls fail fast until a cooldown elapses, after which exactly one
// trial call is let through.
//
// Breakers are shared by every concurrent pipeline run, so all state lives in
// atomics: unrelated reports must never serialize behind a breaker lock.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// State is the breaker mode.
type State int32

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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is refused without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker guards one external service.
type Breaker struct {
	name      string
	threshold int32
	cooldown  time.Duration
	clock     models.Clock

	state     atomic.Int32
	failures  atomic.Int32
	changedAt atomic.Int64 // unix nanos of the last state change
}

// New creates a closed breaker. threshold is the number of consecutive
// failures that opens it; cooldown is how long it stays open before
// permitting a trial call.
func New(name string, threshold int, cooldown time.Duration, clock models.Clock) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: int32(threshold),
		cooldown:  cooldown,
		clock:     clock,
	}
	b.changedAt.Store(clock.Now().UnixNano())
	return b
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// State returns the current mode. Open breakers whose cooldown has elapsed
// still report open until a caller claims the half-open trial.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen without any network attempt; when the cooldown has elapsed
// exactly one caller wins the transition to half-open and gets the trial.
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// A trial call is already in flight.
		return ErrCircuitOpen
	default:
		opened := time.Unix(0, b.changedAt.Load())
		if b.clock.Now().Sub(opened) < b.cooldown {
			return ErrCircuitOpen
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.changedAt.Store(b.clock.Now().UnixNano())
			return nil
		}
		return ErrCircuitOpen
	}
}

// Success records a successful call: the failure counter resets and a
// half-open breaker closes.
func (b *Breaker) Success() {
	b.failures.Store(0)
	for {
		st := b.state.Load()
		if st == int32(StateClosed) {
			return
		}
		if b.state.CompareAndSwap(st, int32(StateClosed)) {
			b.changedAt.Store(b.clock.Now().UnixNano())
			return
		}
	}
}

// Failure records a failed or timed-out call. A half-open trial failure
// reopens the breaker and restarts the cooldown; in the closed state the
// consecutive-failure counter trips it at the threshold.
func (b *Breaker) Failure() {
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.changedAt.Store(b.clock.Now().UnixNano())
		return
	}
	if n := b.failures.Add(1); n >= b.threshold {
		if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			b.changedAt.Store(b.clock.Now().UnixNano())
		}
	}
}

// Do runs fn under the breaker, recording its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Reset forces the breaker back to closed with a clean counter.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
	b.changedAt.Store(b.clock.Now().UnixNano())
}

// Registry hands out one breaker per external-service name for the lifetime
// of the process.
type Registry struct {
	threshold int
	cooldown  time.Duration
	clock     models.Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that builds breakers with the given
// threshold and cooldown.
func NewRegistry(threshold int, cooldown time.Duration, clock models.Clock) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.threshold, r.cooldown, r.clock)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every registered breaker's mode, keyed by
// service name. Used by the stats endpoint.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
