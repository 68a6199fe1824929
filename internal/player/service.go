package player

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
)

// Caller sends a league message to another agent's /mcp endpoint.
type Caller interface {
	Call(ctx context.Context, endpoint, method string, msg protocol.Message) (json.RawMessage, error)
}

// ServiceConfig wires one player process.
type ServiceConfig struct {
	PlayerID        string // pre-registration placeholder, manager assigns the real one
	DisplayName     string
	Endpoint        string // this player's own /mcp URL
	ManagerEndpoint string
	GameType        string
	ReplyTimeout    time.Duration // budget for async replies to the referee
}

func (c *ServiceConfig) applyDefaults() {
	if c.PlayerID == "" {
		c.PlayerID = "unassigned"
	}
	if c.GameType == "" {
		c.GameType = "even_odd"
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 10 * time.Second
	}
}

// matchAssignment is what the player remembers about one announced match.
type matchAssignment struct {
	roundID         string
	opponentID      string
	refereeEndpoint string
	myChoice        protocol.Parity
	chosen          bool
}

// Service is the player agent. Invitations and parity calls are answered
// asynchronously: the handler acks the delivery and a goroutine sends the
// actual GAME_JOIN_ACK or CHOOSE_PARITY_RESPONSE back to the referee.
type Service struct {
	cfg      ServiceConfig
	client   Caller
	strategy Strategy
	history  *repo.HistoryRepo
	logger   *slog.Logger
	met      *metrics.Metrics

	mu          sync.Mutex
	authToken   string
	leagueID    string
	assignments map[string]*matchAssignment // match_id → assignment
	standings   []protocol.StandingEntry
	finished    bool

	// Done is closed when LEAGUE_COMPLETED arrives.
	done chan struct{}
}

// NewService creates the player service. The history repo keys on the
// manager-assigned ID, so pass the repo factory and call Register first in
// production; tests may inject a ready repo.
func NewService(cfg ServiceConfig, client Caller, strategy Strategy, history *repo.HistoryRepo,
	logger *slog.Logger, met *metrics.Metrics) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:         cfg,
		client:      client,
		strategy:    strategy,
		history:     history,
		logger:      logger,
		met:         met,
		assignments: make(map[string]*matchAssignment),
		done:        make(chan struct{}),
	}
}

// Done is closed once the league completes.
func (s *Service) Done() <-chan struct{} { return s.done }

// PlayerID returns the manager-assigned ID after registration.
func (s *Service) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PlayerID
}

// SetHistory swaps in the history repo keyed by the assigned player ID.
func (s *Service) SetHistory(h *repo.HistoryRepo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// Register announces this player to the league manager and stores the
// issued identity.
func (s *Service) Register(ctx context.Context) error {
	req := &protocol.LeagueRegisterRequest{
		Envelope: protocol.NewEnvelope(protocol.MsgLeagueRegisterRequest, protocol.RolePlayer, s.cfg.PlayerID, ""),
		PlayerMeta: protocol.PlayerMeta{
			DisplayName:     s.cfg.DisplayName,
			Version:         "1.0.0",
			GameTypes:       []string{s.cfg.GameType},
			ContactEndpoint: s.cfg.Endpoint,
		},
	}

	raw, err := s.client.Call(ctx, s.cfg.ManagerEndpoint, "register_player", req)
	if err != nil {
		return fmt.Errorf("registering with manager: %w", err)
	}

	var resp protocol.LeagueRegisterResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parsing registration response: %w", err)
	}
	if resp.Status != protocol.RegistrationAccepted {
		return fmt.Errorf("registration rejected: %s", resp.RejectionReason)
	}

	s.mu.Lock()
	s.authToken = resp.AuthToken
	s.leagueID = resp.LeagueID
	if resp.PlayerID != "" {
		s.cfg.PlayerID = resp.PlayerID
	}
	s.mu.Unlock()

	s.logger.Info("REGISTRATION_SUCCESS",
		slog.String("player_id", s.cfg.PlayerID),
		slog.String("league_id", resp.LeagueID),
		slog.String("strategy", s.strategy.Name()),
	)
	return nil
}

// Attach registers all player message handlers on srv.
func (s *Service) Attach(srv *rpc.Server) {
	srv.Handle(protocol.MsgRoundAnnouncement, s.handleRoundAnnouncement)
	srv.Handle(protocol.MsgGameInvitation, s.handleInvitation)
	srv.Handle(protocol.MsgChooseParityCall, s.handleParityCall)
	srv.Handle(protocol.MsgGameOver, s.handleGameOver)
	srv.Handle(protocol.MsgGameError, s.handleGameError)
	srv.Handle(protocol.MsgRoundCompleted, s.handleRoundCompleted)
	srv.Handle(protocol.MsgLeagueStandingsUpdate, s.handleStandingsUpdate)
	srv.Handle(protocol.MsgLeagueCompleted, s.handleLeagueCompleted)
	srv.Handle(protocol.MsgLeagueError, s.handleLeagueError)
}

func (s *Service) countReceived(t protocol.MessageType) {
	if s.met != nil {
		s.met.MessagesReceived.WithLabelValues(string(t)).Inc()
	}
}

// handleRoundAnnouncement stores this player's assignments so later match
// messages can be tied back to an opponent and a referee endpoint.
func (s *Service) handleRoundAnnouncement(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	ann := msg.(*protocol.RoundAnnouncement)
	s.countReceived(protocol.MsgRoundAnnouncement)

	s.mu.Lock()
	mine := 0
	for _, m := range ann.Matches {
		var opponent string
		switch s.cfg.PlayerID {
		case m.PlayerAID:
			opponent = m.PlayerBID
		case m.PlayerBID:
			opponent = m.PlayerAID
		default:
			continue
		}
		s.assignments[m.MatchID] = &matchAssignment{
			roundID:         ann.RoundID,
			opponentID:      opponent,
			refereeEndpoint: m.RefereeEndpoint,
		}
		mine++
	}
	s.mu.Unlock()

	s.logger.Info("ROUND_ANNOUNCED",
		slog.String("round_id", ann.RoundID),
		slog.Int("my_matches", mine),
	)
	return map[string]string{"status": "ok"}, nil
}

// handleInvitation acks delivery and answers the referee asynchronously
// with a GAME_JOIN_ACK.
func (s *Service) handleInvitation(_ context.Context, env protocol.Envelope, msg protocol.Message) (any, error) {
	inv := msg.(*protocol.GameInvitation)
	s.countReceived(protocol.MsgGameInvitation)

	s.mu.Lock()
	a, known := s.assignments[inv.MatchID]
	if !known {
		// round announcement may have been missed; adopt the invitation
		a = &matchAssignment{opponentID: inv.OpponentID}
		s.assignments[inv.MatchID] = a
	}
	endpoint := a.refereeEndpoint
	s.mu.Unlock()

	if endpoint == "" {
		return nil, rpc.Errorf(protocol.CodeProtocolError,
			"no referee endpoint known for match %s", inv.MatchID)
	}

	s.logger.Info("INVITATION_RECEIVED",
		slog.String("match_id", inv.MatchID),
		slog.String("opponent_id", inv.OpponentID),
		slog.String("role", string(inv.RoleInMatch)),
	)

	go s.sendJoinAck(inv.MatchID, endpoint)
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) sendJoinAck(matchID, endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReplyTimeout)
	defer cancel()

	ack := &protocol.GameJoinAck{
		Envelope:         s.envelope(protocol.MsgGameJoinAck, matchID),
		MatchID:          matchID,
		Accept:           true,
		ArrivalTimestamp: protocol.NowUTC(),
	}
	if _, err := s.client.Call(ctx, endpoint, "game_join_ack", ack); err != nil {
		s.logger.Error("JOIN_ACK_FAILED",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.met != nil {
		s.met.MessagesSent.WithLabelValues(string(protocol.MsgGameJoinAck)).Inc()
	}
}

// handleParityCall acks delivery, consults the strategy and answers the
// referee asynchronously with a CHOOSE_PARITY_RESPONSE.
func (s *Service) handleParityCall(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	call := msg.(*protocol.ChooseParityCall)
	s.countReceived(protocol.MsgChooseParityCall)

	s.mu.Lock()
	a, known := s.assignments[call.MatchID]
	if !known {
		s.mu.Unlock()
		return nil, rpc.Errorf(protocol.CodeProtocolError, "unknown match %s", call.MatchID)
	}
	endpoint := a.refereeEndpoint
	opponent := a.opponentID
	if opponent == "" {
		opponent = call.Context.OpponentID
	}
	alreadyChosen := a.chosen
	previous := a.myChoice
	s.mu.Unlock()

	if endpoint == "" {
		return nil, rpc.Errorf(protocol.CodeProtocolError,
			"no referee endpoint known for match %s", call.MatchID)
	}

	// a re-prompt after a lost response must repeat the same choice
	if alreadyChosen {
		go s.sendChoice(call.MatchID, endpoint, previous)
		return map[string]string{"status": "ok"}, nil
	}

	var past []repo.HistoryEntry
	if s.history != nil {
		past, _ = s.history.AgainstOpponent(opponent)
	}
	choice := s.strategy.Choose(MoveContext{
		MatchID:    call.MatchID,
		RoundID:    call.Context.RoundID,
		OpponentID: opponent,
		History:    past,
	})

	s.mu.Lock()
	a.myChoice = choice
	a.chosen = true
	s.mu.Unlock()

	s.logger.Info("CHOICE_MADE",
		slog.String("match_id", call.MatchID),
		slog.String("choice", string(choice)),
		slog.String("strategy", s.strategy.Name()),
	)

	go s.sendChoice(call.MatchID, endpoint, choice)
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) sendChoice(matchID, endpoint string, choice protocol.Parity) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReplyTimeout)
	defer cancel()

	resp := &protocol.ChooseParityResponse{
		Envelope:     s.envelope(protocol.MsgChooseParityResponse, matchID),
		MatchID:      matchID,
		ParityChoice: choice,
	}
	if _, err := s.client.Call(ctx, endpoint, "choose_parity_response", resp); err != nil {
		s.logger.Error("CHOICE_SEND_FAILED",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.met != nil {
		s.met.MessagesSent.WithLabelValues(string(protocol.MsgChooseParityResponse)).Inc()
	}
}

// handleGameOver records the outcome in this player's history.
func (s *Service) handleGameOver(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	over := msg.(*protocol.GameOver)
	s.countReceived(protocol.MsgGameOver)

	s.mu.Lock()
	a := s.assignments[over.MatchID]
	playerID := s.cfg.PlayerID
	s.mu.Unlock()

	opponent := ""
	if a != nil {
		opponent = a.opponentID
	}

	outcome := "DRAW"
	switch over.GameResult.Status {
	case protocol.StatusWin:
		if over.GameResult.WinnerPlayerID == playerID {
			outcome = "WIN"
		} else {
			outcome = "LOSS"
		}
	case protocol.StatusCancelled:
		outcome = "CANCELLED"
	}

	entry := repo.HistoryEntry{
		MatchID:        over.MatchID,
		OpponentID:     opponent,
		Result:         outcome,
		MyChoice:       string(over.GameResult.Choices[playerID]),
		OpponentChoice: string(over.GameResult.Choices[opponent]),
		DrawnNumber:    over.GameResult.DrawnNumber,
	}
	if s.history != nil {
		if err := s.history.Append(entry); err != nil {
			s.logger.Error("HISTORY_APPEND_FAILED",
				slog.String("match_id", over.MatchID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("GAME_OVER_RECEIVED",
		slog.String("match_id", over.MatchID),
		slog.String("result", outcome),
	)
	return map[string]string{"status": "ok"}, nil
}

// handleGameError logs the referee's complaint; on a timeout warning it
// re-sends the stored choice when one exists.
func (s *Service) handleGameError(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	ge := msg.(*protocol.GameError)
	s.countReceived(protocol.MsgGameError)

	s.logger.Warn("GAME_ERROR_RECEIVED",
		slog.String("match_id", ge.MatchID),
		slog.String("error_code", ge.ErrorCode),
		slog.Int("retry_count", ge.RetryCount),
		slog.String("description", ge.ErrorDescription),
	)

	if ge.ErrorCode == protocol.CodeTimeout {
		s.mu.Lock()
		var endpoint string
		var choice protocol.Parity
		if a := s.assignments[ge.MatchID]; a != nil && a.chosen {
			endpoint, choice = a.refereeEndpoint, a.myChoice
		}
		s.mu.Unlock()
		if endpoint != "" {
			go s.sendChoice(ge.MatchID, endpoint, choice)
		}
	}
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) handleRoundCompleted(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	rc := msg.(*protocol.RoundCompleted)
	s.countReceived(protocol.MsgRoundCompleted)
	s.logger.Info("ROUND_COMPLETED_RECEIVED",
		slog.String("round_id", rc.RoundID),
		slog.String("next_round_id", rc.NextRoundID),
	)
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) handleStandingsUpdate(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	upd := msg.(*protocol.LeagueStandingsUpdate)
	s.countReceived(protocol.MsgLeagueStandingsUpdate)

	s.mu.Lock()
	s.standings = upd.Standings
	s.mu.Unlock()

	s.logger.Info("STANDINGS_UPDATED", slog.Int("version", upd.Version))
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) handleLeagueCompleted(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	lc := msg.(*protocol.LeagueCompleted)
	s.countReceived(protocol.MsgLeagueCompleted)

	s.mu.Lock()
	s.standings = lc.FinalStandings
	first := !s.finished
	s.finished = true
	s.mu.Unlock()
	if first {
		close(s.done)
	}

	s.logger.Info("LEAGUE_COMPLETED_RECEIVED",
		slog.String("champion", lc.Champion.PlayerID),
		slog.Int("total_rounds", lc.TotalRounds),
	)
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) handleLeagueError(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	le := msg.(*protocol.LeagueError)
	s.countReceived(protocol.MsgLeagueError)
	s.logger.Warn("LEAGUE_ERROR_RECEIVED",
		slog.String("error_code", le.ErrorCode),
		slog.String("description", le.ErrorDescription),
	)
	return map[string]string{"status": "ok"}, nil
}

// Standings returns the latest table pushed by the manager.
func (s *Service) Standings() []protocol.StandingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.StandingEntry, len(s.standings))
	copy(out, s.standings)
	return out
}

func (s *Service) envelope(t protocol.MessageType, conversationID string) protocol.Envelope {
	s.mu.Lock()
	token := s.authToken
	id := s.cfg.PlayerID
	s.mu.Unlock()

	env := protocol.NewEnvelope(t, protocol.RolePlayer, id, token)
	if conversationID != "" {
		env.ConversationID = conversationID
	}
	return env
}
