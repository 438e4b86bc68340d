package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned without running the request while the
	// breaker cools down.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned in half-open state once every probe slot is
	// taken.
	ErrProbeLimit = errors.New("circuit breaker is probing")
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker. Zero values select the defaults below.
type Settings struct {
	// Probes is how many requests half-open admits; that many consecutive
	// successes close the breaker. Default 1.
	Probes uint32
	// Window is how long closed-state counts accumulate before they reset.
	// Default one minute.
	Window time.Duration
	// Cooldown is how long the breaker stays open. Default one minute.
	Cooldown time.Duration
	// ReadyToTrip decides, after each closed-state failure, whether to open.
	// Default: more than five consecutive failures.
	ReadyToTrip func(counts Counts) bool
	// IsSuccessful classifies a request's error. Default: only nil succeeds.
	IsSuccessful func(err error) bool
}

// Counts are the outcomes recorded in the current state and window.
type Counts struct {
	Requests             uint32
	Failures             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker guards the outbound transport. It is safe for concurrent use.
type Breaker struct {
	settings Settings

	mu     sync.Mutex
	state  State
	counts Counts
	// epoch changes on every state change and window reset so outcomes of
	// requests admitted earlier are not counted against the new state.
	epoch uint64
	until time.Time
}

// New creates a closed breaker.
func New(settings Settings) *Breaker {
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = time.Minute
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > 5
		}
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = func(err error) bool { return err == nil }
	}

	b := &Breaker{settings: settings}
	b.enter(StateClosed, time.Now())
	return b
}

// State returns the current position, applying any elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn when the breaker admits it and records the outcome. fn's
// error is returned unchanged. A panic in fn counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	epoch, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	b.record(epoch, b.settings.IsSuccessful(err))
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())

	switch b.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.settings.Probes {
			return 0, ErrProbeLimit
		}
	}
	b.counts.Requests++
	return b.epoch, nil
}

func (b *Breaker) record(epoch uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
			b.enter(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	if b.state == StateHalfOpen || b.settings.ReadyToTrip(b.counts) {
		b.enter(StateOpen, now)
	}
}

// advance applies the transitions driven by time alone.
func (b *Breaker) advance(now time.Time) {
	if !now.After(b.until) {
		return
	}
	switch b.state {
	case StateClosed:
		b.counts = Counts{}
		b.epoch++
		b.until = now.Add(b.settings.Window)
	case StateOpen:
		b.enter(StateHalfOpen, now)
	}
}

func (b *Breaker) enter(state State, now time.Time) {
	b.state = state
	b.counts = Counts{}
	b.epoch++

	switch state {
	case StateClosed:
		b.until = now.Add(b.settings.Window)
	case StateOpen:
		b.until = now.Add(b.settings.Cooldown)
	default:
		// Half-open lasts until the probes decide.
		b.until = time.Time{}
	}
}
