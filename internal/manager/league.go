package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/schedule"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/standings"
)

// LeagueState is the lifecycle state of the whole league. The league moves
// strictly forward: INITIALIZED, ACCEPTING_REGISTRATIONS, SCHEDULED,
// IN_PROGRESS, FINISHED, CLOSED.
type LeagueState string

const (
	LeagueInitialized            LeagueState = "INITIALIZED"
	LeagueAcceptingRegistrations LeagueState = "ACCEPTING_REGISTRATIONS"
	LeagueScheduled              LeagueState = "SCHEDULED"
	LeagueInProgress             LeagueState = "IN_PROGRESS"
	LeagueFinished               LeagueState = "FINISHED"
	LeagueClosed                 LeagueState = "CLOSED"
)

// Caller sends a league message to another agent's /mcp endpoint.
type Caller interface {
	Call(ctx context.Context, endpoint, method string, msg protocol.Message) (json.RawMessage, error)
}

// LeagueConfig tunes one league run.
type LeagueConfig struct {
	LeagueID     string
	GameType     string
	MinPlayers   int
	RoundDelay   time.Duration // pause between rounds
	WaveTimeout  time.Duration // max wait for one wave of matches
	AdminTimeout time.Duration // per start_match dispatch
}

func (c *LeagueConfig) applyDefaults() {
	if c.GameType == "" {
		c.GameType = "even_odd"
	}
	if c.MinPlayers < 2 {
		c.MinPlayers = 2
	}
	if c.WaveTimeout == 0 {
		c.WaveTimeout = 5 * time.Minute
	}
	if c.AdminTimeout == 0 {
		c.AdminTimeout = 10 * time.Second
	}
}

// League orchestrates one season: schedule, dispatch, standings, and the
// completion announcements. Results arrive through HandleResult; the run
// loop owns all round sequencing.
type League struct {
	cfg       LeagueConfig
	registry  *Registry
	client    Caller
	admin     *http.Client
	engine    *standings.Engine
	sTable    *repo.StandingsRepo
	rounds    *repo.RoundsRepo
	logger    *slog.Logger
	met       *metrics.Metrics
	authToken string

	mu        sync.Mutex
	state     LeagueState
	fixture   []schedule.Round
	table     []protocol.StandingEntry
	processed map[string]protocol.GameResult // match_id → reported result
	roundOf   map[string]string              // match_id → round_id
	done      chan string                    // completed match IDs, sized to the fixture
	announced bool                           // LEAGUE_COMPLETED sent
}

// NewLeague creates the orchestrator in INITIALIZED state.
func NewLeague(cfg LeagueConfig, registry *Registry, client Caller, engine *standings.Engine,
	sTable *repo.StandingsRepo, rounds *repo.RoundsRepo, logger *slog.Logger, met *metrics.Metrics) *League {
	cfg.applyDefaults()
	return &League{
		cfg:       cfg,
		registry:  registry,
		client:    client,
		admin:     &http.Client{Timeout: cfg.AdminTimeout},
		engine:    engine,
		sTable:    sTable,
		rounds:    rounds,
		logger:    logger.With(slog.String("league_id", cfg.LeagueID)),
		met:       met,
		state:     LeagueInitialized,
		processed: make(map[string]protocol.GameResult),
		roundOf:   make(map[string]string),
	}
}

// OpenRegistration moves the league into ACCEPTING_REGISTRATIONS. Called
// once at startup, after the manager has its own token.
func (l *League) OpenRegistration() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LeagueInitialized {
		return fmt.Errorf("league %s already %s", l.cfg.LeagueID, l.state)
	}
	l.state = LeagueAcceptingRegistrations
	return nil
}

// SetAuthToken sets the token the manager stamps on its own outbound
// messages. The manager issues it to itself at startup.
func (l *League) SetAuthToken(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authToken = token
}

// State returns the league lifecycle state.
func (l *League) State() LeagueState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Standings returns the current ranked table.
func (l *League) Standings() []protocol.StandingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.StandingEntry, len(l.table))
	copy(out, l.table)
	return out
}

// Start validates the roster, builds the fixture list, initializes the
// standings table and launches the run loop. It returns the number of
// rounds and matches scheduled.
func (l *League) Start(ctx context.Context) (int, int, error) {
	players := l.registry.Players()
	referees := l.registry.Referees()

	l.mu.Lock()
	if l.state != LeagueAcceptingRegistrations {
		l.mu.Unlock()
		return 0, 0, rpc.Errorf(protocol.CodeProtocolError, "league %s is %s, not accepting a start", l.cfg.LeagueID, l.state)
	}
	if len(players) < l.cfg.MinPlayers {
		l.mu.Unlock()
		return 0, 0, rpc.Errorf(protocol.CodeProtocolError,
			"need at least %d players, have %d", l.cfg.MinPlayers, len(players))
	}
	if len(referees) == 0 {
		l.mu.Unlock()
		return 0, 0, rpc.Errorf(protocol.CodeProtocolError, "no referees registered")
	}

	ids := make([]string, 0, len(players))
	names := make(map[string]string, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
		names[p.ID] = p.Meta.DisplayName
	}

	l.fixture = schedule.RoundRobin(ids)
	l.table = l.engine.Init(names)
	totalMatches := schedule.TotalMatches(len(ids))
	l.done = make(chan string, totalMatches)
	l.state = LeagueScheduled
	l.mu.Unlock()

	l.registry.Close()
	if _, err := l.sTable.Save(l.Standings()); err != nil {
		return 0, 0, fmt.Errorf("persisting initial standings: %w", err)
	}

	l.logger.Info("LEAGUE_STARTED",
		slog.Int("players", len(players)),
		slog.Int("referees", len(referees)),
		slog.Int("rounds", len(l.fixture)),
		slog.Int("matches", totalMatches),
	)

	go l.run(ctx)
	return len(l.fixture), totalMatches, nil
}

// run plays every round in order, then announces completion.
func (l *League) run(ctx context.Context) {
	l.mu.Lock()
	l.state = LeagueInProgress
	l.mu.Unlock()

	for i, round := range l.fixture {
		roundID := fmt.Sprintf("R%d", round.Number)
		if err := l.playRound(ctx, roundID, round); err != nil {
			l.logger.Error("ROUND_FAILED",
				slog.String("round_id", roundID),
				slog.String("error", err.Error()),
			)
			return
		}
		if i < len(l.fixture)-1 && l.cfg.RoundDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.RoundDelay):
			}
		}
	}
	l.complete(ctx)
}

func (l *League) playRound(ctx context.Context, roundID string, round schedule.Round) error {
	referees := l.registry.Referees()
	slots := make([]schedule.RefereeSlot, 0, len(referees))
	for _, ref := range referees {
		slots = append(slots, schedule.RefereeSlot{
			ID:       ref.ID,
			Endpoint: ref.Meta.ContactEndpoint,
			Capacity: ref.Meta.MaxConcurrentMatches,
		})
	}

	assignments, err := schedule.AssignRound(round.Number, round.Pairings, l.cfg.GameType, slots)
	if err != nil {
		return fmt.Errorf("assigning round %s: %w", roundID, err)
	}

	matches := make([]protocol.MatchInfo, 0, len(assignments))
	l.mu.Lock()
	for _, a := range assignments {
		matches = append(matches, a.Match)
		l.roundOf[a.Match.MatchID] = roundID
	}
	l.mu.Unlock()

	if err := l.rounds.AddRound(roundID, matches); err != nil {
		return fmt.Errorf("journaling round %s: %w", roundID, err)
	}

	l.broadcast(ctx, "notify_round", func(env protocol.Envelope) protocol.Message {
		return &protocol.RoundAnnouncement{
			Envelope: env,
			RoundID:  roundID,
			LeagueID: l.cfg.LeagueID,
			Matches:  matches,
		}
	}, protocol.MsgRoundAnnouncement)

	l.logger.Info("ROUND_ANNOUNCED",
		slog.String("round_id", roundID),
		slog.Int("matches", len(matches)),
	)

	byID := make(map[string]schedule.Assignment, len(assignments))
	for _, a := range assignments {
		byID[a.Match.MatchID] = a
	}

	// dispatch wave by wave; a wave must fully report before the next starts
	for wave := 0; ; wave++ {
		var waveIDs []string
		for _, a := range assignments {
			if a.Wave == wave {
				if err := l.dispatchMatch(ctx, roundID, a); err != nil {
					l.logger.Error("MATCH_DISPATCH_FAILED",
						slog.String("match_id", a.Match.MatchID),
						slog.String("referee_id", a.RefereeID),
						slog.String("error", err.Error()),
					)
					// unreachable referee: count the match as cancelled
					l.recordResult(a.Match.MatchID, roundID, protocol.GameResult{
						Status: protocol.StatusCancelled,
						Reason: fmt.Sprintf("referee %s unreachable", a.RefereeID),
						Score:  map[string]int{a.Match.PlayerAID: 0, a.Match.PlayerBID: 0},
					})
					continue
				}
				waveIDs = append(waveIDs, a.Match.MatchID)
			}
		}
		if len(waveIDs) == 0 && !hasWave(assignments, wave) {
			break
		}
		unreported, err := l.waitForMatches(ctx, waveIDs)
		if err != nil {
			return err
		}
		// a referee that went quiet must not stall the league; its matches
		// are cancelled and the round moves on
		for _, id := range unreported {
			a := byID[id]
			l.logger.Error("MATCH_TIMED_OUT",
				slog.String("match_id", id),
				slog.String("referee_id", a.RefereeID),
				slog.Duration("wave_timeout", l.cfg.WaveTimeout),
			)
			l.recordResult(id, roundID, protocol.GameResult{
				Status: protocol.StatusCancelled,
				Reason: fmt.Sprintf("referee %s never reported a result", a.RefereeID),
				Score:  map[string]int{a.Match.PlayerAID: 0, a.Match.PlayerBID: 0},
			})
		}
	}

	return l.finishRound(ctx, roundID, round)
}

func hasWave(assignments []schedule.Assignment, wave int) bool {
	for _, a := range assignments {
		if a.Wave == wave {
			return true
		}
	}
	return false
}

// startMatchPayload mirrors the referee's admin start_match contract.
type startMatchPayload struct {
	MatchID         string `json:"match_id"`
	RoundID         string `json:"round_id"`
	LeagueID        string `json:"league_id"`
	GameType        string `json:"game_type"`
	PlayerAID       string `json:"player_a_id"`
	PlayerBID       string `json:"player_b_id"`
	PlayerAEndpoint string `json:"player_a_endpoint"`
	PlayerBEndpoint string `json:"player_b_endpoint"`
}

// dispatchMatch hands one match to its referee over the admin route next to
// the referee's /mcp endpoint.
func (l *League) dispatchMatch(ctx context.Context, roundID string, a schedule.Assignment) error {
	playerA, okA := l.registry.Player(a.Match.PlayerAID)
	playerB, okB := l.registry.Player(a.Match.PlayerBID)
	if !okA || !okB {
		return fmt.Errorf("match %s references unregistered players", a.Match.MatchID)
	}

	payload := startMatchPayload{
		MatchID:         a.Match.MatchID,
		RoundID:         roundID,
		LeagueID:        l.cfg.LeagueID,
		GameType:        a.Match.GameType,
		PlayerAID:       a.Match.PlayerAID,
		PlayerBID:       a.Match.PlayerBID,
		PlayerAEndpoint: playerA.Meta.ContactEndpoint,
		PlayerBEndpoint: playerB.Meta.ContactEndpoint,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(a.Match.RefereeEndpoint, "/mcp") + "/admin/start_match"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.admin.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("referee answered %d", resp.StatusCode)
	}

	l.logger.Info("MATCH_DISPATCHED",
		slog.String("match_id", a.Match.MatchID),
		slog.String("referee_id", a.RefereeID),
		slog.Int("wave", a.Wave),
	)
	return nil
}

// waitForMatches blocks until every listed match has reported or the wave
// timeout fires, and returns the matches still outstanding.
func (l *League) waitForMatches(ctx context.Context, matchIDs []string) ([]string, error) {
	pending := make(map[string]bool, len(matchIDs))
	l.mu.Lock()
	for _, id := range matchIDs {
		if _, ok := l.processed[id]; !ok {
			pending[id] = true
		}
	}
	l.mu.Unlock()

	timeout := time.NewTimer(l.cfg.WaveTimeout)
	defer timeout.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return keys(pending), nil
		case id := <-l.done:
			delete(pending, id)
		}
	}
	return nil, nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// HandleResult processes a referee's MATCH_RESULT_REPORT. A repeated report
// for the same match is acknowledged without being applied again.
func (l *League) HandleResult(report *protocol.MatchResultReport) error {
	l.mu.Lock()
	if l.state != LeagueInProgress {
		l.mu.Unlock()
		return rpc.Errorf(protocol.CodeProtocolError, "league %s is not in progress", l.cfg.LeagueID)
	}
	if report.LeagueID != l.cfg.LeagueID {
		l.mu.Unlock()
		return rpc.Errorf(protocol.CodeLeagueNotFound, "unknown league %s", report.LeagueID)
	}
	if _, dup := l.processed[report.MatchID]; dup {
		l.mu.Unlock()
		l.logger.Warn("DUPLICATE_RESULT", slog.String("match_id", report.MatchID))
		return nil
	}
	roundID, known := l.roundOf[report.MatchID]
	l.mu.Unlock()
	if !known {
		return rpc.Errorf(protocol.CodeProtocolError, "unknown match %s", report.MatchID)
	}
	if report.RoundID != roundID {
		return rpc.Errorf(protocol.CodeProtocolError,
			"match %s belongs to round %s, not %s", report.MatchID, roundID, report.RoundID)
	}

	l.recordResult(report.MatchID, roundID, report.Result)
	return nil
}

// recordResult applies one result to the standings, persists everything and
// wakes the run loop.
func (l *League) recordResult(matchID, roundID string, result protocol.GameResult) {
	l.mu.Lock()
	if _, dup := l.processed[matchID]; dup {
		l.mu.Unlock()
		return
	}
	l.processed[matchID] = result
	l.table = l.engine.Apply(l.table, result)
	table := make([]protocol.StandingEntry, len(l.table))
	copy(table, l.table)
	l.mu.Unlock()

	doc, err := l.sTable.Save(table)
	if err != nil {
		l.logger.Error("STANDINGS_SAVE_FAILED", slog.String("error", err.Error()))
	}
	if l.met != nil {
		l.met.StandingsVersion.Set(float64(doc.Version))
	}

	if _, err := l.rounds.MarkMatchCompleted(roundID, matchID); err != nil {
		l.logger.Error("ROUND_JOURNAL_FAILED", slog.String("error", err.Error()))
	}

	l.logger.Info("RESULT_RECORDED",
		slog.String("match_id", matchID),
		slog.String("status", string(result.Status)),
		slog.String("winner", result.WinnerPlayerID),
	)

	l.done <- matchID

	// standings fan-out must not hold up the referee's report ack
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		l.broadcast(ctx, "notify_standings_update", func(env protocol.Envelope) protocol.Message {
			return &protocol.LeagueStandingsUpdate{
				Envelope:  env,
				LeagueID:  l.cfg.LeagueID,
				RoundID:   roundID,
				Version:   doc.Version,
				Standings: table,
			}
		}, protocol.MsgLeagueStandingsUpdate)
	}()
}

// finishRound journals completion and tells the players.
func (l *League) finishRound(ctx context.Context, roundID string, round schedule.Round) error {
	if err := l.rounds.MarkRoundCompleted(roundID); err != nil {
		return fmt.Errorf("closing round %s: %w", roundID, err)
	}
	if err := l.sTable.IncrementRoundsCompleted(); err != nil {
		l.logger.Error("STANDINGS_SAVE_FAILED", slog.String("error", err.Error()))
	}
	if l.met != nil {
		l.met.RoundsCompleted.Inc()
	}

	rec, _, err := l.rounds.GetRound(roundID)
	if err != nil {
		return err
	}
	nextRoundID := ""
	if round.Number < len(l.fixture) {
		nextRoundID = fmt.Sprintf("R%d", round.Number+1)
	}

	l.broadcast(ctx, "notify_round_completed", func(env protocol.Envelope) protocol.Message {
		return &protocol.RoundCompleted{
			Envelope:         env,
			RoundID:          roundID,
			LeagueID:         l.cfg.LeagueID,
			CompletedMatches: rec.CompletedMatches,
			NextRoundID:      nextRoundID,
		}
	}, protocol.MsgRoundCompleted)

	l.logger.Info("ROUND_COMPLETED", slog.String("round_id", roundID))
	return nil
}

// complete announces LEAGUE_COMPLETED to every player, exactly once, then
// closes the league.
func (l *League) complete(ctx context.Context) {
	l.mu.Lock()
	if l.announced {
		l.mu.Unlock()
		return
	}
	l.announced = true
	l.state = LeagueFinished
	table := make([]protocol.StandingEntry, len(l.table))
	copy(table, l.table)
	totalMatches := len(l.processed)
	totalRounds := len(l.fixture)
	l.mu.Unlock()

	champion, ok := standings.Champion(table)
	if !ok {
		l.logger.Error("NO_CHAMPION")
		return
	}

	l.broadcast(ctx, "notify_league_completed", func(env protocol.Envelope) protocol.Message {
		return &protocol.LeagueCompleted{
			Envelope:       env,
			LeagueID:       l.cfg.LeagueID,
			TotalRounds:    totalRounds,
			TotalMatches:   totalMatches,
			Champion:       champion,
			FinalStandings: table,
		}
	}, protocol.MsgLeagueCompleted)

	l.logger.Info("LEAGUE_COMPLETED",
		slog.String("champion", champion.PlayerID),
		slog.Int("points", champion.Points),
	)

	l.mu.Lock()
	l.state = LeagueClosed
	l.mu.Unlock()
}

// broadcast sends one message to every registered player, best effort. The
// build callback runs per player so each copy gets a fresh envelope.
func (l *League) broadcast(ctx context.Context, method string, build func(protocol.Envelope) protocol.Message, t protocol.MessageType) {
	l.mu.Lock()
	token := l.authToken
	l.mu.Unlock()

	players := l.registry.Players()
	var wg sync.WaitGroup
	for _, p := range players {
		wg.Add(1)
		go func(p RegisteredPlayer) {
			defer wg.Done()
			env := protocol.NewEnvelope(t, protocol.RoleManager, l.cfg.LeagueID, token)
			msg := build(env)
			if _, err := l.client.Call(ctx, p.Meta.ContactEndpoint, method, msg); err != nil {
				l.logger.Warn("BROADCAST_FAILED",
					slog.String("player_id", p.ID),
					slog.String("method", method),
					slog.String("error", err.Error()),
				)
				return
			}
			if l.met != nil {
				l.met.MessagesSent.WithLabelValues(string(t)).Inc()
			}
		}(p)
	}
	wg.Wait()
}
