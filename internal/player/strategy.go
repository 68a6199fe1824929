// Package player hosts a league player: it registers with the manager,
// accepts invitations, answers parity calls with a pluggable strategy, and
// keeps its own match history.
package player

import (
	"fmt"
	"math/rand"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
)

// MoveContext is what a strategy sees when asked for a choice.
type MoveContext struct {
	MatchID    string
	RoundID    string
	OpponentID string
	History    []repo.HistoryEntry // past matches against this opponent
}

// Strategy produces a parity choice for one move.
type Strategy interface {
	Name() string
	Choose(mc MoveContext) protocol.Parity
}

// NewStrategy builds a strategy by its config name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "random":
		return randomStrategy{}, nil
	case "pattern_based":
		return &patternStrategy{}, nil
	case "always_even":
		return fixedStrategy{choice: protocol.ParityEven}, nil
	case "always_odd":
		return fixedStrategy{choice: protocol.ParityOdd}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

type randomStrategy struct{}

func (randomStrategy) Name() string { return "random" }

func (randomStrategy) Choose(MoveContext) protocol.Parity {
	if rand.Intn(2) == 0 {
		return protocol.ParityEven
	}
	return protocol.ParityOdd
}

type fixedStrategy struct{ choice protocol.Parity }

func (s fixedStrategy) Name() string { return "always_" + string(s.choice) }

func (s fixedStrategy) Choose(MoveContext) protocol.Parity { return s.choice }

// patternStrategy counters the opponent's most frequent past choice.
// Choosing the opposite parity forces a decisive game whenever the opponent
// repeats their habit; with no history it plays randomly.
type patternStrategy struct{}

func (*patternStrategy) Name() string { return "pattern_based" }

func (*patternStrategy) Choose(mc MoveContext) protocol.Parity {
	even, odd := 0, 0
	for _, h := range mc.History {
		switch protocol.Parity(h.OpponentChoice) {
		case protocol.ParityEven:
			even++
		case protocol.ParityOdd:
			odd++
		}
	}
	switch {
	case even > odd:
		return protocol.ParityOdd
	case odd > even:
		return protocol.ParityEven
	}
	return randomStrategy{}.Choose(mc)
}
