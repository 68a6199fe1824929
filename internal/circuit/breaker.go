// Package circuit guards outbound agent endpoints against repeated failures.
// A breaker trips after a run of consecutive failures, blocks calls for a
// cooling period, then lets exactly one probe through before deciding
// whether to close again.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state for one endpoint.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker tuning for one endpoint.
type Config struct {
	Name string

	// FailureThreshold is the run of consecutive failures that trips the
	// breaker open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before permitting a
	// single half-open probe.
	OpenTimeout time.Duration

	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Breaker tracks one endpoint. Generations guard against stale results:
// a call that started before a state change cannot corrupt the new state.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	generation    uint64
	consecFails   int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, now: time.Now}
}

// State reports the current state, performing the open → half-open
// transition lazily if the cooling period has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState()
	return state
}

// Begin asks permission for one call. On success it returns the generation
// token the caller must pass to End.
func (b *Breaker) Begin() (uint64, error) {
	b.mu.Lock()

	state, gen := b.currentState()
	switch state {
	case StateOpen:
		b.mu.Unlock()
		return 0, ErrOpen
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return 0, ErrOpen
		}
		b.probeInFlight = true
	}
	b.mu.Unlock()
	return gen, nil
}

// End records the outcome of a call begun with Begin. Results from a stale
// generation are dropped.
func (b *Breaker) End(gen uint64, success bool) {
	b.mu.Lock()

	state, current := b.currentState()
	if gen != current {
		b.mu.Unlock()
		return
	}

	var change func()
	switch state {
	case StateClosed:
		if success {
			b.consecFails = 0
		} else {
			b.consecFails++
			if b.consecFails >= b.cfg.FailureThreshold {
				change = b.setState(StateOpen)
			}
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			change = b.setState(StateClosed)
		} else {
			change = b.setState(StateOpen)
		}
	}
	b.mu.Unlock()

	if change != nil {
		change()
	}
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.Begin()
	if err != nil {
		return err
	}
	err = fn()
	b.End(gen, err == nil)
	return err
}

// currentState must be called with the lock held.
func (b *Breaker) currentState() (State, uint64) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		if fire := b.setState(StateHalfOpen); fire != nil {
			go fire()
		}
	}
	return b.state, b.generation
}

// setState must be called with the lock held. It returns the notification
// closure to invoke after the lock is released.
func (b *Breaker) setState(next State) func() {
	if b.state == next {
		return nil
	}
	prev := b.state
	b.state = next
	b.generation++
	b.consecFails = 0
	b.probeInFlight = false
	if next == StateOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange == nil {
		return nil
	}
	name := b.cfg.Name
	return func() { b.cfg.OnStateChange(name, prev, next) }
}

// ============================================================================
// PER-ENDPOINT MANAGER
// ============================================================================

// Manager lazily creates one breaker per endpoint URL.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager creates a manager; cfg seeds every breaker it creates, with
// the endpoint as the breaker name.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (m *Manager) Get(endpoint string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[endpoint]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[endpoint]; ok {
		return b
	}
	cfg := m.cfg
	cfg.Name = endpoint
	b = New(cfg)
	m.breakers[endpoint] = b
	return b
}

// States snapshots every tracked endpoint's state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for ep, b := range m.breakers {
		out[ep] = b.State()
	}
	return out
}
