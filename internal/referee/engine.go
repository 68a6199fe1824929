// Package referee drives matches through their state machine: invite both
// players, collect parity choices under deadlines with bounded re-prompts,
// decide the outcome, announce it, and report to the league manager
// exactly once.
package referee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/game"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
)

// State is a match lifecycle state.
type State string

const (
	StateCreated           State = "CREATED"
	StateWaitingForPlayers State = "WAITING_FOR_PLAYERS"
	StateCollectingChoices State = "COLLECTING_CHOICES"
	StateDrawingNumber     State = "DRAWING_NUMBER"
	StateFinished          State = "FINISHED"
	StateCancelled         State = "CANCELLED"
)

// Terminal reports whether no further transitions may occur.
func (s State) Terminal() bool { return s == StateFinished || s == StateCancelled }

// Caller abstracts the transport client so engine tests can fake peers.
type Caller interface {
	Call(ctx context.Context, endpoint, method string, msg protocol.Message) (json.RawMessage, error)
}

// PlayerRef identifies one seat in a match.
type PlayerRef struct {
	ID       string
	Endpoint string
}

// MatchSpec is the immutable description of one match to run.
type MatchSpec struct {
	MatchID  string
	RoundID  string
	LeagueID string
	GameType string
	PlayerA  PlayerRef
	PlayerB  PlayerRef
}

// Config is the per-referee engine tuning shared by all its matches.
type Config struct {
	RefereeID       string
	AuthToken       string
	ManagerEndpoint string
	JoinTimeout     time.Duration
	MoveTimeout     time.Duration
	MaxRetries      int // re-prompts per player after the initial CHOOSE_PARITY_CALL
	RetryBase       time.Duration
}

func (c *Config) applyDefaults() {
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.MoveTimeout == 0 {
		c.MoveTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = time.Second
	}
}

type eventKind int

const (
	evJoinAck eventKind = iota
	evChoice
)

type event struct {
	kind     eventKind
	playerID string
	accept   bool
	choice   protocol.Parity
}

// Engine runs a single match. Inbound acks and choices arrive through
// HandleJoinAck and HandleChoice from the HTTP handlers; Run owns all
// timers and transitions.
type Engine struct {
	spec   MatchSpec
	cfg    Config
	client Caller
	store  *repo.MatchRepo
	rules  *game.EvenOdd
	logger *slog.Logger
	met    *metrics.Metrics

	mu       sync.Mutex
	state    State
	joins    map[string]bool
	choices  map[string]protocol.Parity
	prompts  map[string]int // CHOOSE_PARITY_CALL attempts per player
	reported bool
	events   chan event
}

// NewEngine creates the engine for one match. met may be nil.
func NewEngine(spec MatchSpec, cfg Config, client Caller, store *repo.MatchRepo, rules *game.EvenOdd, logger *slog.Logger, met *metrics.Metrics) *Engine {
	cfg.applyDefaults()
	return &Engine{
		spec:    spec,
		cfg:     cfg,
		client:  client,
		store:   store,
		rules:   rules,
		logger:  logger.With(slog.String("match_id", spec.MatchID)),
		met:     met,
		state:   StateCreated,
		joins:   make(map[string]bool, 2),
		choices: make(map[string]protocol.Parity, 2),
		prompts: make(map[string]int, 2),
		events:  make(chan event, 16),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MatchID returns the match this engine owns.
func (e *Engine) MatchID() string { return e.spec.MatchID }

func (e *Engine) isParticipant(playerID string) bool {
	return playerID == e.spec.PlayerA.ID || playerID == e.spec.PlayerB.ID
}

func (e *Engine) opponentOf(playerID string) PlayerRef {
	if playerID == e.spec.PlayerA.ID {
		return e.spec.PlayerB
	}
	return e.spec.PlayerA
}

func (e *Engine) playerRef(playerID string) PlayerRef {
	if playerID == e.spec.PlayerA.ID {
		return e.spec.PlayerA
	}
	return e.spec.PlayerB
}

// HandleJoinAck records a player's answer to the invitation. Duplicates
// are idempotent; answers from non-participants are rejected.
func (e *Engine) HandleJoinAck(playerID string, accept bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isParticipant(playerID) {
		return rpc.Errorf(protocol.CodePlayerNotFound, "player %s is not in match %s", playerID, e.spec.MatchID)
	}
	// replays of an already recorded ack are acknowledged in any state
	if _, dup := e.joins[playerID]; dup {
		return nil
	}
	if e.state.Terminal() {
		return rpc.Errorf(protocol.CodeProtocolError, "match %s already %s", e.spec.MatchID, e.state)
	}
	e.joins[playerID] = accept
	e.recordReceivedLocked(playerID, protocol.MsgGameJoinAck)
	select {
	case e.events <- event{kind: evJoinAck, playerID: playerID, accept: accept}:
	default:
	}
	return nil
}

// HandleChoice records a parity choice. The first choice per player wins;
// repeats of the same choice are acknowledged, conflicting repeats are
// refused. Choices from outsiders or outside COLLECTING_CHOICES raise the
// INVALID_CHOICE flow.
func (e *Engine) HandleChoice(playerID string, choice protocol.Parity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isParticipant(playerID) {
		return rpc.Errorf(protocol.CodeInvalidChoice, "player %s is not in match %s", playerID, e.spec.MatchID)
	}
	// a repeat of the recorded choice is acknowledged in any state
	if prev, dup := e.choices[playerID]; dup {
		if prev == choice {
			return nil
		}
		return rpc.Errorf(protocol.CodeInvalidChoice, "player %s already chose %q", playerID, prev)
	}
	if e.state != StateCollectingChoices {
		return rpc.Errorf(protocol.CodeProtocolError, "match %s is not collecting choices (state %s)", e.spec.MatchID, e.state)
	}
	e.choices[playerID] = choice
	e.recordReceivedLocked(playerID, protocol.MsgChooseParityResponse)
	select {
	case e.events <- event{kind: evChoice, playerID: playerID, choice: choice}:
	default:
	}
	return nil
}

// Run drives the match to a terminal state. It blocks until done and is
// called once, on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	started := time.Now()

	if err := e.store.Create(e.spec.MatchID, e.spec.RoundID, e.spec.LeagueID, e.spec.GameType,
		e.cfg.RefereeID, e.spec.PlayerA.ID, e.spec.PlayerB.ID); err != nil {
		e.logger.Error("MATCH_STORE_FAILED", slog.String("error", err.Error()))
	}

	if e.met != nil {
		e.met.MatchesStarted.Inc()
	}

	result := e.play(ctx)

	e.report(ctx, result)
	if e.met != nil {
		e.met.MatchesFinished.WithLabelValues(string(result.Status)).Inc()
		e.met.MatchDuration.Observe(time.Since(started).Seconds())
	}
}

// play runs the pre-terminal phases and returns the result to report.
func (e *Engine) play(ctx context.Context) protocol.GameResult {
	e.transition(StateWaitingForPlayers)
	if !e.sendInvitations(ctx) {
		return e.cancel("failed to deliver invitations")
	}

	ok, decliner := e.waitForJoins(ctx)
	if !ok {
		if decliner != "" {
			return e.cancel(fmt.Sprintf("player %s declined the invitation", decliner))
		}
		return e.cancel("players failed to join within the deadline")
	}

	e.transition(StateCollectingChoices)
	missing := e.collectChoices(ctx)

	switch len(missing) {
	case 2:
		return e.cancel("neither player responded with a choice")
	case 1:
		offender := missing[0]
		winner := e.opponentOf(offender).ID
		e.transition(StateDrawingNumber)
		if e.met != nil {
			e.met.TechnicalLosses.Inc()
		}
		result := e.rules.TechnicalLoss(winner, offender,
			fmt.Sprintf("%s failed to respond after %d retries", offender, e.cfg.MaxRetries))
		e.finish(ctx, result)
		return result
	}

	e.transition(StateDrawingNumber)
	e.mu.Lock()
	choiceA := e.choices[e.spec.PlayerA.ID]
	choiceB := e.choices[e.spec.PlayerB.ID]
	e.mu.Unlock()

	drawn := e.rules.DrawNumber()
	result := e.rules.Evaluate(e.spec.PlayerA.ID, e.spec.PlayerB.ID, choiceA, choiceB, drawn)
	e.logger.Info("NUMBER_DRAWN",
		slog.Int("number", drawn),
		slog.String("parity", string(game.ParityOf(drawn))),
	)
	e.finish(ctx, result)
	return result
}

// sendInvitations delivers GAME_INVITATION to both seats. Both must be
// reachable for the match to proceed.
func (e *Engine) sendInvitations(ctx context.Context) bool {
	type seat struct {
		ref  PlayerRef
		role protocol.MatchRole
		opp  string
	}
	seats := []seat{
		{e.spec.PlayerA, protocol.MatchRoleA, e.spec.PlayerB.ID},
		{e.spec.PlayerB, protocol.MatchRoleB, e.spec.PlayerA.ID},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(seats))
	for i, st := range seats {
		wg.Add(1)
		go func(i int, st seat) {
			defer wg.Done()
			inv := &protocol.GameInvitation{
				Envelope:    e.envelope(protocol.MsgGameInvitation),
				MatchID:     e.spec.MatchID,
				GameType:    e.spec.GameType,
				RoleInMatch: st.role,
				OpponentID:  st.opp,
			}
			_, errs[i] = e.client.Call(ctx, st.ref.Endpoint, "game_invitation", inv)
			e.recordSent(st.ref.ID, protocol.MsgGameInvitation)
		}(i, st)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			e.logger.Warn("INVITATION_FAILED",
				slog.String("player_id", seats[i].ref.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	e.logger.Info("INVITATIONS_SENT")
	return true
}

// waitForJoins blocks until both players accept, one declines, or the join
// deadline passes. On decline it returns the decliner's ID.
func (e *Engine) waitForJoins(ctx context.Context) (bool, string) {
	timer := time.NewTimer(e.cfg.JoinTimeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		accepted := 0
		for id, ok := range e.joins {
			if !ok {
				e.mu.Unlock()
				return false, id
			}
			accepted++
		}
		e.mu.Unlock()
		if accepted == 2 {
			return true, ""
		}

		select {
		case <-ctx.Done():
			return false, ""
		case <-timer.C:
			e.logger.Warn("JOIN_TIMEOUT")
			return false, ""
		case <-e.events:
		}
	}
}

// collectChoices prompts both players, then re-prompts non-responders up to
// MaxRetries times with exponential backoff. Each retry is preceded by a
// GAME_ERROR carrying the retry count, so the last one a silent player sees
// says retry_count == max_retries. It returns the players that never
// produced a choice.
func (e *Engine) collectChoices(ctx context.Context) []string {
	e.promptPlayers(ctx, []string{e.spec.PlayerA.ID, e.spec.PlayerB.ID})

	for attempt := 1; ; attempt++ {
		if e.waitForChoices(ctx) {
			return nil
		}
		if e.met != nil {
			e.met.MoveTimeouts.Inc()
		}
		missing := e.missingChoices()
		if attempt > e.cfg.MaxRetries {
			e.logger.Warn("CHOICE_RETRIES_EXHAUSTED", slog.Any("missing", missing))
			return missing
		}

		delay := e.cfg.RetryBase << (attempt - 1)
		e.logger.Warn("CHOICE_TIMEOUT",
			slog.Any("missing", missing),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		for _, id := range missing {
			e.sendGameError(id, protocol.CodeTimeout,
				fmt.Sprintf("no CHOOSE_PARITY_RESPONSE for match %s within the deadline", e.spec.MatchID),
				attempt)
		}
		select {
		case <-ctx.Done():
			return e.missingChoices()
		case <-time.After(delay):
		}
		e.promptPlayers(ctx, e.missingChoices())
	}
}

func (e *Engine) waitForChoices(ctx context.Context) bool {
	timer := time.NewTimer(e.cfg.MoveTimeout)
	defer timer.Stop()

	for {
		if len(e.missingChoices()) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case ev := <-e.events:
			if ev.kind == evChoice {
				e.logger.Info("CHOICE_RECEIVED",
					slog.String("player_id", ev.playerID),
					slog.String("choice", string(ev.choice)),
				)
			}
		}
	}
}

func (e *Engine) missingChoices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, id := range []string{e.spec.PlayerA.ID, e.spec.PlayerB.ID} {
		if _, ok := e.choices[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) promptPlayers(ctx context.Context, playerIDs []string) {
	deadline := time.Now().UTC().Add(e.cfg.MoveTimeout).Format("2006-01-02T15:04:05.000000Z07:00")
	var wg sync.WaitGroup
	for _, id := range playerIDs {
		e.mu.Lock()
		e.prompts[id]++
		e.mu.Unlock()

		ref := e.playerRef(id)
		wg.Add(1)
		go func(ref PlayerRef) {
			defer wg.Done()
			call := &protocol.ChooseParityCall{
				Envelope: e.envelope(protocol.MsgChooseParityCall),
				MatchID:  e.spec.MatchID,
				GameType: e.spec.GameType,
				Deadline: deadline,
				Context: protocol.ParityCallContext{
					OpponentID: e.opponentOf(ref.ID).ID,
					RoundID:    e.spec.RoundID,
				},
			}
			if _, err := e.client.Call(ctx, ref.Endpoint, "choose_parity_call", call); err != nil {
				e.logger.Warn("PARITY_CALL_FAILED",
					slog.String("player_id", ref.ID),
					slog.String("error", err.Error()),
				)
			}
			e.recordSent(ref.ID, protocol.MsgChooseParityCall)
		}(ref)
	}
	wg.Wait()
}

// sendGameError pushes a GAME_ERROR to one player, best effort.
func (e *Engine) sendGameError(playerID, code, description string, retryCount int) {
	if !e.isParticipant(playerID) {
		return
	}
	ge := &protocol.GameError{
		Envelope:         e.envelope(protocol.MsgGameError),
		MatchID:          e.spec.MatchID,
		ErrorCode:        code,
		ErrorDescription: description,
		AffectedPlayer:   playerID,
		ActionRequired:   "resend CHOOSE_PARITY_RESPONSE",
		RetryCount:       retryCount,
		MaxRetries:       e.cfg.MaxRetries,
		Consequence:      "technical loss when retries are exhausted",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.client.Call(ctx, e.playerRef(playerID).Endpoint, "game_error", ge); err != nil {
		e.logger.Warn("GAME_ERROR_SEND_FAILED",
			slog.String("player_id", playerID),
			slog.String("error", err.Error()),
		)
	}
	e.recordSent(playerID, protocol.MsgGameError)
}

// finish stores the result, moves to FINISHED and announces GAME_OVER to
// both players best effort.
func (e *Engine) finish(ctx context.Context, result protocol.GameResult) {
	if err := e.store.SaveResult(e.spec.MatchID, result); err != nil {
		e.logger.Error("RESULT_STORE_FAILED", slog.String("error", err.Error()))
	}
	e.transition(StateFinished)

	announced := result
	announced.Score = nil // score travels on the report, not on GAME_OVER
	var wg sync.WaitGroup
	for _, ref := range []PlayerRef{e.spec.PlayerA, e.spec.PlayerB} {
		wg.Add(1)
		go func(ref PlayerRef) {
			defer wg.Done()
			over := &protocol.GameOver{
				Envelope:   e.envelope(protocol.MsgGameOver),
				MatchID:    e.spec.MatchID,
				GameResult: announced,
			}
			if _, err := e.client.Call(ctx, ref.Endpoint, "game_over", over); err != nil {
				e.logger.Warn("GAME_OVER_SEND_FAILED",
					slog.String("player_id", ref.ID),
					slog.String("error", err.Error()),
				)
			}
			e.recordSent(ref.ID, protocol.MsgGameOver)
		}(ref)
	}
	wg.Wait()

	e.logger.Info("MATCH_COMPLETED",
		slog.String("status", string(result.Status)),
		slog.String("winner", result.WinnerPlayerID),
	)
}

// cancel moves the match to CANCELLED and returns the result to report.
func (e *Engine) cancel(reason string) protocol.GameResult {
	e.logger.Warn("MATCH_CANCELLED", slog.String("reason", reason))
	result := e.rules.Cancelled(e.spec.PlayerA.ID, e.spec.PlayerB.ID, reason)
	if err := e.store.SaveResult(e.spec.MatchID, result); err != nil {
		e.logger.Error("RESULT_STORE_FAILED", slog.String("error", err.Error()))
	}
	e.transition(StateCancelled)
	return result
}

// report sends the MATCH_RESULT_REPORT to the manager. Guarded so it runs
// at most once per match.
func (e *Engine) report(ctx context.Context, result protocol.GameResult) {
	e.mu.Lock()
	if e.reported {
		e.mu.Unlock()
		return
	}
	e.reported = true
	e.mu.Unlock()

	rep := &protocol.MatchResultReport{
		Envelope: e.envelope(protocol.MsgMatchResultReport),
		MatchID:  e.spec.MatchID,
		RoundID:  e.spec.RoundID,
		LeagueID: e.spec.LeagueID,
		Result:   result,
	}
	if _, err := e.client.Call(ctx, e.cfg.ManagerEndpoint, "report_match_result", rep); err != nil {
		e.logger.Error("RESULT_REPORT_FAILED", slog.String("error", err.Error()))
		return
	}
	e.recordSent("league_manager", protocol.MsgMatchResultReport)
	e.logger.Info("RESULT_REPORTED")
}

func (e *Engine) envelope(t protocol.MessageType) protocol.Envelope {
	env := protocol.NewEnvelope(t, protocol.RoleReferee, e.cfg.RefereeID, e.cfg.AuthToken)
	env.ConversationID = e.spec.MatchID
	return env
}

func (e *Engine) transition(next State) {
	e.mu.Lock()
	prev := e.state
	if prev.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = next
	e.mu.Unlock()

	if err := e.store.AddTransition(e.spec.MatchID, string(next)); err != nil {
		e.logger.Error("TRANSITION_STORE_FAILED", slog.String("error", err.Error()))
	}
	e.logger.Info("STATE_CHANGE",
		slog.String("old_state", string(prev)),
		slog.String("new_state", string(next)),
	)
}

func (e *Engine) recordSent(recipientID string, t protocol.MessageType) {
	if e.met != nil {
		e.met.MessagesSent.WithLabelValues(string(t)).Inc()
	}
	_ = e.store.AddTranscript(e.spec.MatchID,
		"referee:"+e.cfg.RefereeID, recipientID, string(t))
}

// recordReceivedLocked is called with e.mu held.
func (e *Engine) recordReceivedLocked(senderID string, t protocol.MessageType) {
	if e.met != nil {
		e.met.MessagesReceived.WithLabelValues(string(t)).Inc()
	}
	go func() {
		_ = e.store.AddTranscript(e.spec.MatchID,
			"player:"+senderID, "referee:"+e.cfg.RefereeID, string(t))
	}()
}
