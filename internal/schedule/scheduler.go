// Package schedule builds the round-robin fixture list and assigns matches
// to referees.
package schedule

import (
	"fmt"
	"sort"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// byeSlot marks the idle seat when the player count is odd.
const byeSlot = ""

// Pairing is one scheduled head-to-head.
type Pairing struct {
	PlayerA string
	PlayerB string
}

// Round is a set of pairings played in the same logical round.
type Round struct {
	Number   int // 1-based
	Pairings []Pairing
}

// RoundRobin builds the full fixture list with the circle method: the
// first seat stays fixed while the rest rotate one position per round.
// With an odd player count a bye seat is added, and whoever faces it
// sits the round out. Player order is normalized so the schedule is
// deterministic for a given roster.
func RoundRobin(playerIDs []string) []Round {
	players := append([]string{}, playerIDs...)
	sort.Strings(players)
	if len(players) < 2 {
		return nil
	}
	if len(players)%2 == 1 {
		players = append(players, byeSlot)
	}

	n := len(players)
	rounds := make([]Round, 0, n-1)
	for r := 0; r < n-1; r++ {
		round := Round{Number: r + 1}
		for i := 0; i < n/2; i++ {
			a, b := players[i], players[n-1-i]
			if a == byeSlot || b == byeSlot {
				continue
			}
			round.Pairings = append(round.Pairings, Pairing{PlayerA: a, PlayerB: b})
		}
		rounds = append(rounds, round)

		// rotate everything but the first seat
		last := players[n-1]
		copy(players[2:], players[1:n-1])
		players[1] = last
	}
	return rounds
}

// TotalMatches is the number of matches across all rounds for n players.
func TotalMatches(n int) int { return n * (n - 1) / 2 }

// RefereeSlot is a registered referee available for assignment.
type RefereeSlot struct {
	ID       string
	Endpoint string
	Capacity int // max concurrent matches
}

// Assignment binds one pairing to a referee with its wire match ID.
type Assignment struct {
	Match     protocol.MatchInfo
	RefereeID string
	// Wave partitions a round when matches outnumber total referee
	// capacity: wave 0 starts immediately, wave k after wave k-1 ends.
	Wave int
}

// AssignRound distributes a round's pairings over the referees round-robin,
// respecting each referee's capacity. Overflow beyond the combined capacity
// lands in later waves to be run sequentially within the same round.
func AssignRound(roundNumber int, pairings []Pairing, gameType string, referees []RefereeSlot) ([]Assignment, error) {
	if len(referees) == 0 {
		return nil, fmt.Errorf("no referees registered")
	}

	total := 0
	for _, ref := range referees {
		if ref.Capacity < 1 {
			return nil, fmt.Errorf("referee %s has no capacity", ref.ID)
		}
		total += ref.Capacity
	}

	assignments := make([]Assignment, 0, len(pairings))
	next := 0      // round-robin cursor over referees
	inWave := 0    // matches placed in the current wave
	wave := 0
	load := make(map[string]int, len(referees)) // per-referee load in this wave

	for i, p := range pairings {
		if inWave == total {
			wave++
			inWave = 0
			load = make(map[string]int, len(referees))
		}

		// advance past referees already at capacity in this wave
		for load[referees[next].ID] >= referees[next].Capacity {
			next = (next + 1) % len(referees)
		}
		ref := referees[next]
		next = (next + 1) % len(referees)
		load[ref.ID]++
		inWave++

		assignments = append(assignments, Assignment{
			Match: protocol.MatchInfo{
				MatchID:         fmt.Sprintf("R%dM%d", roundNumber, i+1),
				GameType:        gameType,
				PlayerAID:       p.PlayerA,
				PlayerBID:       p.PlayerB,
				RefereeEndpoint: ref.Endpoint,
			},
			RefereeID: ref.ID,
			Wave:      wave,
		})
	}
	return assignments, nil
}
