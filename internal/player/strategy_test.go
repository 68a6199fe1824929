package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
)

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{"", "random", "pattern_based", "always_even", "always_odd"} {
		s, err := NewStrategy(name)
		require.NoError(t, err, name)
		require.NotNil(t, s)
	}
	_, err := NewStrategy("clairvoyant")
	assert.Error(t, err)
}

func TestRandomStrategyProducesValidChoices(t *testing.T) {
	s, err := NewStrategy("random")
	require.NoError(t, err)
	seen := map[protocol.Parity]bool{}
	for i := 0; i < 200; i++ {
		c := s.Choose(MoveContext{})
		require.True(t, c.Valid())
		seen[c] = true
	}
	assert.Len(t, seen, 2, "200 draws should produce both parities")
}

func TestFixedStrategies(t *testing.T) {
	even, err := NewStrategy("always_even")
	require.NoError(t, err)
	odd, err := NewStrategy("always_odd")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, protocol.ParityEven, even.Choose(MoveContext{}))
		assert.Equal(t, protocol.ParityOdd, odd.Choose(MoveContext{}))
	}
}

func TestPatternStrategyCountersHabit(t *testing.T) {
	s, err := NewStrategy("pattern_based")
	require.NoError(t, err)

	evenLeaning := []repo.HistoryEntry{
		{OpponentChoice: "even"},
		{OpponentChoice: "even"},
		{OpponentChoice: "odd"},
	}
	assert.Equal(t, protocol.ParityOdd, s.Choose(MoveContext{History: evenLeaning}))

	oddLeaning := []repo.HistoryEntry{
		{OpponentChoice: "odd"},
		{OpponentChoice: "odd"},
	}
	assert.Equal(t, protocol.ParityEven, s.Choose(MoveContext{History: oddLeaning}))

	// balanced history falls back to a valid random choice
	balanced := []repo.HistoryEntry{
		{OpponentChoice: "even"},
		{OpponentChoice: "odd"},
	}
	assert.True(t, s.Choose(MoveContext{History: balanced}).Valid())
}
