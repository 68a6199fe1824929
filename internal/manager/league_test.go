package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/standings"
)

type sentCall struct {
	endpoint string
	method   string
	msg      protocol.Message
}

// fakeCaller records broadcasts without dialing anything.
type fakeCaller struct {
	mu    sync.Mutex
	calls []sentCall
}

func (f *fakeCaller) Call(_ context.Context, endpoint, method string, msg protocol.Message) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{endpoint, method, msg})
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (f *fakeCaller) methods(method string) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type leagueFixture struct {
	league     *League
	registry   *Registry
	caller     *fakeCaller
	dispatches chan startMatchPayload
}

// newLeagueFixture registers nPlayers players and one referee whose admin
// route is a live test server pushing assignments into dispatches.
func newLeagueFixture(t *testing.T, nPlayers int) *leagueFixture {
	t.Helper()

	registry := newTestRegistry(t)
	caller := &fakeCaller{}
	dispatches := make(chan startMatchPayload, 64)

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/start_match", func(w http.ResponseWriter, r *http.Request) {
		var p startMatchPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dispatches <- p
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "started"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for i := 1; i <= nPlayers; i++ {
		_, _, err := registry.RegisterPlayer(playerMeta(
			fmt.Sprintf("Player %d", i),
			fmt.Sprintf("http://player%d/mcp", i),
		))
		require.NoError(t, err)
	}
	_, _, err := registry.RegisterReferee(refereeMeta("Ref", srv.URL+"/mcp", 4))
	require.NoError(t, err)

	dataDir := t.TempDir()
	league := NewLeague(LeagueConfig{
		LeagueID:    "L1",
		GameType:    "even_odd",
		MinPlayers:  2,
		WaveTimeout: 5 * time.Second,
	}, registry, caller,
		standings.NewEngine(standings.DefaultWeights()),
		repo.NewStandingsRepo(dataDir, "L1"),
		repo.NewRoundsRepo(dataDir, "L1"),
		quietLogger(), nil)
	league.SetAuthToken("mgr-token")
	require.NoError(t, league.OpenRegistration())

	return &leagueFixture{league: league, registry: registry, caller: caller, dispatches: dispatches}
}

func winReport(p startMatchPayload) *protocol.MatchResultReport {
	return &protocol.MatchResultReport{
		Envelope: protocol.NewEnvelope(protocol.MsgMatchResultReport, protocol.RoleReferee, "REF01", "tok"),
		MatchID:  p.MatchID,
		RoundID:  p.RoundID,
		LeagueID: p.LeagueID,
		Result: protocol.GameResult{
			Status:         protocol.StatusWin,
			WinnerPlayerID: p.PlayerAID,
			Reason:         "test",
			Score:          map[string]int{p.PlayerAID: 3, p.PlayerBID: 0},
		},
	}
}

func TestLeagueRunsToCompletion(t *testing.T) {
	fx := newLeagueFixture(t, 4)

	rounds, matches, err := fx.league.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rounds)
	assert.Equal(t, 6, matches)

	// act as the referee: every dispatched match is won by seat A
	go func() {
		for p := range fx.dispatches {
			_ = fx.league.HandleResult(winReport(p))
		}
	}()

	require.Eventually(t, func() bool {
		return fx.league.State() == LeagueClosed
	}, 5*time.Second, 20*time.Millisecond)

	// one announcement per player per round
	assert.Len(t, fx.caller.methods("notify_round"), 3*4)
	assert.Len(t, fx.caller.methods("notify_round_completed"), 3*4)

	completed := fx.caller.methods("notify_league_completed")
	require.Len(t, completed, 4)
	final := completed[0].msg.(*protocol.LeagueCompleted)
	assert.Equal(t, 3, final.TotalRounds)
	assert.Equal(t, 6, final.TotalMatches)
	assert.Equal(t, 1, final.Champion.Rank)
	require.Len(t, final.FinalStandings, 4)

	played := 0
	for _, e := range final.FinalStandings {
		played += e.Played
	}
	assert.Equal(t, 12, played) // every match counts for both players

	// standings fan-out is async; it must settle at one update per result
	// per player
	require.Eventually(t, func() bool {
		return len(fx.caller.methods("notify_standings_update")) == 6*4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLeagueLifecycleStates(t *testing.T) {
	fx := newLeagueFixture(t, 2)

	// the fixture already opened registration
	assert.Equal(t, LeagueAcceptingRegistrations, fx.league.State())
	assert.Error(t, fx.league.OpenRegistration())

	_, _, err := fx.league.Start(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []LeagueState{LeagueScheduled, LeagueInProgress}, fx.league.State())

	go func() {
		for p := range fx.dispatches {
			_ = fx.league.HandleResult(winReport(p))
		}
	}()

	require.Eventually(t, func() bool {
		return fx.league.State() == LeagueClosed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWaveTimeoutCancelsSilentMatches(t *testing.T) {
	fx := newLeagueFixture(t, 2)
	fx.league.cfg.WaveTimeout = 150 * time.Millisecond

	_, _, err := fx.league.Start(context.Background())
	require.NoError(t, err)

	// the referee accepts the dispatch but never reports a result; the
	// league must still run to completion
	first := <-fx.dispatches

	require.Eventually(t, func() bool {
		return fx.league.State() == LeagueClosed
	}, 5*time.Second, 20*time.Millisecond)

	fx.league.mu.Lock()
	result, recorded := fx.league.processed[first.MatchID]
	fx.league.mu.Unlock()
	require.True(t, recorded)
	assert.Equal(t, protocol.StatusCancelled, result.Status)
	assert.Contains(t, result.Reason, "never reported")

	// the cancelled match does not score
	for _, e := range fx.league.Standings() {
		assert.Equal(t, 0, e.Played)
		assert.Equal(t, 0, e.Points)
	}
	assert.Len(t, fx.caller.methods("notify_league_completed"), 2)
}

func TestLeagueStartValidation(t *testing.T) {
	fx := newLeagueFixture(t, 4)

	_, _, err := fx.league.Start(context.Background())
	require.NoError(t, err)
	_, _, err = fx.league.Start(context.Background())
	assert.Error(t, err) // already started

	// too few players
	short := newLeagueFixture(t, 4)
	short.league.cfg.MinPlayers = 8
	_, _, err = short.league.Start(context.Background())
	assert.Error(t, err)
}

func TestHandleResultGuards(t *testing.T) {
	fx := newLeagueFixture(t, 2)

	p := startMatchPayload{MatchID: "R1M1", RoundID: "R1", LeagueID: "L1", PlayerAID: "P01", PlayerBID: "P02"}

	// before the league starts every report is refused
	err := fx.league.HandleResult(winReport(p))
	assert.Error(t, err)

	_, _, err = fx.league.Start(context.Background())
	require.NoError(t, err)
	first := <-fx.dispatches

	// wrong league
	bad := winReport(first)
	bad.LeagueID = "OTHER"
	assert.Error(t, fx.league.HandleResult(bad))

	// unknown match
	ghost := winReport(first)
	ghost.MatchID = "R9M9"
	assert.Error(t, fx.league.HandleResult(ghost))

	// wrong round for a known match
	crossed := winReport(first)
	crossed.RoundID = "R2"
	assert.Error(t, fx.league.HandleResult(crossed))

	require.NoError(t, fx.league.HandleResult(winReport(first)))
	// duplicate is acknowledged without reapplying
	require.NoError(t, fx.league.HandleResult(winReport(first)))

	require.Eventually(t, func() bool {
		return fx.league.State() == LeagueClosed
	}, 5*time.Second, 20*time.Millisecond)

	table := fx.league.Standings()
	require.Len(t, table, 2)
	assert.Equal(t, 3, table[0].Points)
	assert.Equal(t, 1, table[0].Played) // the duplicate did not double-count
}

func TestCancelledResultKeepsStandings(t *testing.T) {
	fx := newLeagueFixture(t, 2)

	_, _, err := fx.league.Start(context.Background())
	require.NoError(t, err)
	first := <-fx.dispatches

	report := winReport(first)
	report.Result = protocol.GameResult{
		Status: protocol.StatusCancelled,
		Reason: "nobody joined",
		Score:  map[string]int{first.PlayerAID: 0, first.PlayerBID: 0},
	}
	require.NoError(t, fx.league.HandleResult(report))

	require.Eventually(t, func() bool {
		return fx.league.State() == LeagueClosed
	}, 5*time.Second, 20*time.Millisecond)

	for _, e := range fx.league.Standings() {
		assert.Equal(t, 0, e.Played)
		assert.Equal(t, 0, e.Points)
	}
}
