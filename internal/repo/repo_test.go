package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

func TestStandingsVersionMonotonic(t *testing.T) {
	r := NewStandingsRepo(t.TempDir(), "L1")

	doc, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Version)
	assert.Empty(t, doc.Standings)

	entries := []protocol.StandingEntry{
		{Rank: 1, PlayerID: "P01", Wins: 1, Played: 1, Points: 3},
		{Rank: 2, PlayerID: "P02", Losses: 1, Played: 1, Points: 0},
	}
	doc, err = r.Save(entries)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)

	doc, err = r.Save(entries)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)

	require.NoError(t, r.IncrementRoundsCompleted())
	doc, err = r.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Version)
	assert.Equal(t, 1, doc.RoundsCompleted)
	assert.Len(t, doc.Standings, 2)
}

func TestRoundsJournal(t *testing.T) {
	r := NewRoundsRepo(t.TempDir(), "L1")

	matches := []protocol.MatchInfo{
		{MatchID: "R1M1", GameType: "even_odd", PlayerAID: "P01", PlayerBID: "P02"},
		{MatchID: "R1M2", GameType: "even_odd", PlayerAID: "P03", PlayerBID: "P04"},
	}
	require.NoError(t, r.AddRound("R1", matches))

	done, err := r.MarkMatchCompleted("R1", "R1M1")
	require.NoError(t, err)
	assert.False(t, done)

	// duplicate completion is idempotent
	done, err = r.MarkMatchCompleted("R1", "R1M1")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = r.MarkMatchCompleted("R1", "R1M2")
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, r.MarkRoundCompleted("R1"))
	rec, found, err := r.GetRound("R1")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, rec.CompletedAt)
	assert.Len(t, rec.CompletedMatches, 2)

	_, err = r.MarkMatchCompleted("R9", "R9M1")
	assert.Error(t, err)
}

func TestMatchAuditTrail(t *testing.T) {
	r := NewMatchRepo(t.TempDir(), "L1")

	require.NoError(t, r.Create("R1M1", "R1", "L1", "even_odd", "REF01", "P01", "P02"))

	rec, found, err := r.Load("R1M1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "P01", rec.Players["PLAYER_A"])
	require.Len(t, rec.Lifecycle, 1)
	assert.Equal(t, "CREATED", rec.Lifecycle[0].State)

	require.NoError(t, r.AddTransition("R1M1", "WAITING_FOR_PLAYERS"))
	require.NoError(t, r.AddTranscript("R1M1", "referee:REF01", "player:P01", "GAME_INVITATION"))
	require.NoError(t, r.AddTranscript("R1M1", "player:P01", "referee:REF01", "GAME_JOIN_ACK"))

	drawn := 7
	require.NoError(t, r.SaveResult("R1M1", protocol.GameResult{
		Status:         protocol.StatusWin,
		WinnerPlayerID: "P02",
		DrawnNumber:    &drawn,
		NumberParity:   protocol.ParityOdd,
		Reason:         "P02 chose odd, number 7 is odd",
		Score:          map[string]int{"P01": 0, "P02": 3},
	}))

	rec, _, err = r.Load("R1M1")
	require.NoError(t, err)
	assert.Len(t, rec.Lifecycle, 2)
	require.Len(t, rec.Transcript, 2)
	assert.Equal(t, 1, rec.Transcript[0].Seq)
	assert.Equal(t, 2, rec.Transcript[1].Seq)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "P02", rec.Result.WinnerPlayerID)

	err = r.AddTransition("R9M9", "FINISHED")
	assert.Error(t, err)
}

func TestMatchLoadMissing(t *testing.T) {
	r := NewMatchRepo(t.TempDir(), "L1")
	_, found, err := r.Load("nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPlayerHistory(t *testing.T) {
	dir := t.TempDir()
	r := NewHistoryRepo(dir, "P01")

	n := 4
	require.NoError(t, r.Append(HistoryEntry{
		MatchID: "R1M1", OpponentID: "P02", Result: "WIN", Points: 3,
		MyChoice: "even", OpponentChoice: "odd", DrawnNumber: &n,
	}))
	require.NoError(t, r.Append(HistoryEntry{
		MatchID: "R2M1", OpponentID: "P03", Result: "LOSS", Points: 0,
		MyChoice: "odd", OpponentChoice: "even", DrawnNumber: &n,
	}))
	require.NoError(t, r.Append(HistoryEntry{
		MatchID: "R3M1", OpponentID: "P02", Result: "DRAW", Points: 1,
		MyChoice: "even", OpponentChoice: "even", DrawnNumber: &n,
	}))

	doc, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, doc.TotalMatches)
	assert.Equal(t, 1, doc.TotalWins)
	assert.Equal(t, 1, doc.TotalDraws)
	assert.Equal(t, 1, doc.TotalLosses)

	vsP02, err := r.AgainstOpponent("P02")
	require.NoError(t, err)
	require.Len(t, vsP02, 2)
	assert.Equal(t, "R1M1", vsP02[0].MatchID)
	assert.NotEmpty(t, vsP02[0].Timestamp)
}

func TestWriteJSONLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "standings.json")
	require.NoError(t, writeJSON(path, map[string]int{"version": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.Contains(entries[0].Name(), ".tmp-"))
}
