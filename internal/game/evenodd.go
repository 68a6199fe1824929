// Package game implements the Even/Odd rules: both players pick a parity,
// a number is drawn, and whoever matched the number's parity wins.
package game

import (
	"fmt"
	"math/rand"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// Rules captures the league's immutable game parameters.
type Rules struct {
	RangeMin        int
	RangeMax        int
	DrawOnBothWrong bool
	WinPoints       int
	DrawPoints      int
	LossPoints      int
	TechLossPoints  int
}

// DefaultRules matches the default league configuration.
func DefaultRules() Rules {
	return Rules{
		RangeMin:        0,
		RangeMax:        99,
		DrawOnBothWrong: true,
		WinPoints:       3,
		DrawPoints:      1,
		LossPoints:      0,
		TechLossPoints:  0,
	}
}

// EvenOdd evaluates matches under one set of rules. The drawFn is swapped
// out in tests for a deterministic source.
type EvenOdd struct {
	rules  Rules
	drawFn func() int
}

// New creates the game engine.
func New(rules Rules) *EvenOdd {
	g := &EvenOdd{rules: rules}
	g.drawFn = func() int {
		return rules.RangeMin + rand.Intn(rules.RangeMax-rules.RangeMin+1)
	}
	return g
}

// DrawNumber draws a uniform number from the configured inclusive range.
func (g *EvenOdd) DrawNumber() int { return g.drawFn() }

// ParityOf returns the parity of a drawn number.
func ParityOf(n int) protocol.Parity {
	if n%2 == 0 {
		return protocol.ParityEven
	}
	return protocol.ParityOdd
}

// Evaluate decides the outcome once both choices are in. The drawn number
// is supplied by the caller so the same value lands in the transcript, the
// GAME_OVER payload and the report.
func (g *EvenOdd) Evaluate(playerA, playerB string, choiceA, choiceB protocol.Parity, drawn int) protocol.GameResult {
	parity := ParityOf(drawn)
	choices := map[string]protocol.Parity{playerA: choiceA, playerB: choiceB}
	number := drawn

	if choiceA == choiceB {
		if choiceA == parity {
			return protocol.GameResult{
				Status:       protocol.StatusDraw,
				DrawnNumber:  &number,
				NumberParity: parity,
				Choices:      choices,
				Reason:       fmt.Sprintf("both players chose %q and number %d is %s", choiceA, drawn, parity),
				Score:        map[string]int{playerA: g.rules.DrawPoints, playerB: g.rules.DrawPoints},
			}
		}
		score := map[string]int{playerA: g.rules.DrawPoints, playerB: g.rules.DrawPoints}
		if !g.rules.DrawOnBothWrong {
			score = map[string]int{playerA: 0, playerB: 0}
		}
		return protocol.GameResult{
			Status:       protocol.StatusDraw,
			DrawnNumber:  &number,
			NumberParity: parity,
			Choices:      choices,
			Reason:       fmt.Sprintf("both players chose %q but number %d is %s", choiceA, drawn, parity),
			Score:        score,
		}
	}

	winner, loser := playerA, playerB
	winningChoice := choiceA
	if choiceB == parity {
		winner, loser = playerB, playerA
		winningChoice = choiceB
	}
	return protocol.GameResult{
		Status:         protocol.StatusWin,
		WinnerPlayerID: winner,
		DrawnNumber:    &number,
		NumberParity:   parity,
		Choices:        choices,
		Reason:         fmt.Sprintf("%s chose %q, number %d is %s", winner, winningChoice, drawn, parity),
		Score:          map[string]int{winner: g.rules.WinPoints, loser: g.rules.LossPoints},
	}
}

// TechnicalLoss resolves a match where one player never produced a valid
// choice. The responder is credited with a win without drawing a number.
func (g *EvenOdd) TechnicalLoss(winner, offender, reason string) protocol.GameResult {
	return protocol.GameResult{
		Status:         protocol.StatusWin,
		WinnerPlayerID: winner,
		Reason:         reason,
		Score:          map[string]int{winner: g.rules.WinPoints, offender: g.rules.TechLossPoints},
	}
}

// Cancelled resolves a match where neither player responded.
func (g *EvenOdd) Cancelled(playerA, playerB, reason string) protocol.GameResult {
	return protocol.GameResult{
		Status: protocol.StatusCancelled,
		Reason: reason,
		Score:  map[string]int{playerA: 0, playerB: 0},
	}
}
