package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

func TestParityOf(t *testing.T) {
	assert.Equal(t, protocol.ParityEven, ParityOf(0))
	assert.Equal(t, protocol.ParityEven, ParityOf(42))
	assert.Equal(t, protocol.ParityOdd, ParityOf(7))
	assert.Equal(t, protocol.ParityOdd, ParityOf(99))
}

func TestDrawNumberStaysInRange(t *testing.T) {
	g := New(Rules{RangeMin: 1, RangeMax: 10, WinPoints: 3, DrawPoints: 1})
	for i := 0; i < 1000; i++ {
		n := g.DrawNumber()
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, 10)
	}
}

func TestEvaluateDifferentChoices(t *testing.T) {
	g := New(DefaultRules())

	res := g.Evaluate("P01", "P02", protocol.ParityEven, protocol.ParityOdd, 4)
	assert.Equal(t, protocol.StatusWin, res.Status)
	assert.Equal(t, "P01", res.WinnerPlayerID)
	assert.Equal(t, protocol.ParityEven, res.NumberParity)
	assert.Equal(t, map[string]int{"P01": 3, "P02": 0}, res.Score)
	require.NotNil(t, res.DrawnNumber)
	assert.Equal(t, 4, *res.DrawnNumber)

	res = g.Evaluate("P01", "P02", protocol.ParityEven, protocol.ParityOdd, 7)
	assert.Equal(t, protocol.StatusWin, res.Status)
	assert.Equal(t, "P02", res.WinnerPlayerID)
	assert.Equal(t, map[string]int{"P01": 0, "P02": 3}, res.Score)
}

func TestEvaluateBothCorrectIsDraw(t *testing.T) {
	g := New(DefaultRules())

	res := g.Evaluate("P01", "P02", protocol.ParityOdd, protocol.ParityOdd, 7)
	assert.Equal(t, protocol.StatusDraw, res.Status)
	assert.Empty(t, res.WinnerPlayerID)
	assert.Equal(t, map[string]int{"P01": 1, "P02": 1}, res.Score)
}

func TestEvaluateBothWrong(t *testing.T) {
	rules := DefaultRules()
	g := New(rules)
	res := g.Evaluate("P01", "P02", protocol.ParityOdd, protocol.ParityOdd, 8)
	assert.Equal(t, protocol.StatusDraw, res.Status)
	assert.Equal(t, map[string]int{"P01": 1, "P02": 1}, res.Score)

	rules.DrawOnBothWrong = false
	g = New(rules)
	res = g.Evaluate("P01", "P02", protocol.ParityOdd, protocol.ParityOdd, 8)
	assert.Equal(t, protocol.StatusDraw, res.Status)
	assert.Equal(t, map[string]int{"P01": 0, "P02": 0}, res.Score)
}

func TestTechnicalLoss(t *testing.T) {
	g := New(DefaultRules())
	res := g.TechnicalLoss("P01", "P02", "P02 failed to respond after 3 retries")
	assert.Equal(t, protocol.StatusWin, res.Status)
	assert.Equal(t, "P01", res.WinnerPlayerID)
	assert.Nil(t, res.DrawnNumber)
	assert.Equal(t, map[string]int{"P01": 3, "P02": 0}, res.Score)
}

func TestCancelled(t *testing.T) {
	g := New(DefaultRules())
	res := g.Cancelled("P01", "P02", "neither player responded")
	assert.Equal(t, protocol.StatusCancelled, res.Status)
	assert.Empty(t, res.WinnerPlayerID)
	assert.Equal(t, map[string]int{"P01": 0, "P02": 0}, res.Score)
}
