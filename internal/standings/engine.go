// Package standings maintains the league table: per-player counters,
// points, and dense ranks with deterministic tie-breaking.
package standings

import (
	"sort"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// Weights are the league scoring weights.
type Weights struct {
	Win  int
	Draw int
	Loss int
}

// DefaultWeights is the 3/1/0 scheme.
func DefaultWeights() Weights { return Weights{Win: 3, Draw: 1, Loss: 0} }

// Engine applies match results to a standings table.
type Engine struct {
	weights Weights
}

func NewEngine(w Weights) *Engine { return &Engine{weights: w} }

// Init builds a zeroed table for the roster, ordered by player ID.
func (e *Engine) Init(displayNames map[string]string) []protocol.StandingEntry {
	ids := make([]string, 0, len(displayNames))
	for id := range displayNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]protocol.StandingEntry, 0, len(ids))
	for _, id := range ids {
		name := displayNames[id]
		if name == "" {
			name = id
		}
		out = append(out, protocol.StandingEntry{Rank: 1, PlayerID: id, DisplayName: name})
	}
	return out
}

// Apply folds one match result into the table and re-ranks it. Cancelled
// matches leave every counter untouched. A player whose score equals the
// win weight is credited with the win; this also covers technical losses,
// where no drawn number exists but the responder still won.
func (e *Engine) Apply(table []protocol.StandingEntry, result protocol.GameResult) []protocol.StandingEntry {
	out := append([]protocol.StandingEntry{}, table...)
	if result.Status == protocol.StatusCancelled {
		return Rank(out)
	}

	byID := make(map[string]*protocol.StandingEntry, len(out))
	for i := range out {
		byID[out[i].PlayerID] = &out[i]
	}

	for playerID := range result.Score {
		entry, ok := byID[playerID]
		if !ok {
			continue
		}
		entry.Played++
		switch result.Status {
		case protocol.StatusWin:
			if playerID == result.WinnerPlayerID {
				entry.Wins++
				entry.Points += e.weights.Win
			} else {
				entry.Losses++
				entry.Points += e.weights.Loss
			}
		case protocol.StatusDraw:
			entry.Draws++
			entry.Points += e.weights.Draw
		}
	}
	return Rank(out)
}

// Rank sorts by (points DESC, wins DESC, player_id ASC) and assigns dense
// ranks starting at 1: equal (points, wins) share a rank, and the next
// distinct pair gets the previous rank plus one.
func Rank(table []protocol.StandingEntry) []protocol.StandingEntry {
	sort.Slice(table, func(i, j int) bool {
		if table[i].Points != table[j].Points {
			return table[i].Points > table[j].Points
		}
		if table[i].Wins != table[j].Wins {
			return table[i].Wins > table[j].Wins
		}
		return table[i].PlayerID < table[j].PlayerID
	})

	rank := 0
	for i := range table {
		if i == 0 || table[i].Points != table[i-1].Points || table[i].Wins != table[i-1].Wins {
			rank++
		}
		table[i].Rank = rank
	}
	return table
}

// Champion returns the top entry of a ranked table.
func Champion(table []protocol.StandingEntry) (protocol.StandingEntry, bool) {
	if len(table) == 0 {
		return protocol.StandingEntry{}, false
	}
	return table[0], true
}
