package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeClock lets tests advance the breaker's view of time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClockedBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New(cfg)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b.now = clk.now
	return b, clk
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(func() error { return errBoom })
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newClockedBreaker(Config{})

	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())

	// a success resets the run
	require.NoError(t, b.Do(func() error { return nil }))
	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterFiveConsecutiveFailures(t *testing.T) {
	b, _ := newClockedBreaker(Config{})

	failN(b, 5)
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error {
		t.Fatal("call must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	b, clk := newClockedBreaker(Config{})
	failN(b, 5)

	clk.advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clk.advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	b, clk := newClockedBreaker(Config{})
	failN(b, 5)
	clk.advance(31 * time.Second)

	gen, err := b.Begin()
	require.NoError(t, err)

	// second concurrent call is rejected while the probe is in flight
	_, err = b.Begin()
	assert.ErrorIs(t, err, ErrOpen)

	b.End(gen, true)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	b, clk := newClockedBreaker(Config{})
	failN(b, 5)
	clk.advance(31 * time.Second)

	err := b.Do(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// full cooling period applies again
	clk.advance(31 * time.Second)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestStaleResultIsIgnored(t *testing.T) {
	b, clk := newClockedBreaker(Config{})

	gen, err := b.Begin()
	require.NoError(t, err)

	// breaker trips and moves generations while the call is in flight
	failN(b, 5)
	clk.advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.End(gen, true)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	done := make(chan struct{}, 8)
	b, clk := newClockedBreaker(Config{
		Name: "http://localhost:8101/mcp",
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
			done <- struct{}{}
		},
	})

	failN(b, 5)
	<-done
	clk.advance(31 * time.Second)
	b.State()
	<-done

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN"}, transitions)
}

func TestManagerIsolatesEndpoints(t *testing.T) {
	m := NewManager(Config{})

	a := m.Get("http://localhost:8101/mcp")
	c := m.Get("http://localhost:8102/mcp")
	assert.NotSame(t, a, c)
	assert.Same(t, a, m.Get("http://localhost:8101/mcp"))

	failN(a, 5)
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, c.State())

	states := m.States()
	assert.Equal(t, StateOpen, states["http://localhost:8101/mcp"])
	assert.Equal(t, StateClosed, states["http://localhost:8102/mcp"])
}
