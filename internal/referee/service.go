package referee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/game"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/repo"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
)

// ServiceConfig wires one referee process.
type ServiceConfig struct {
	RefereeID       string
	DisplayName     string
	Endpoint        string // this referee's own /mcp URL
	ManagerEndpoint string
	GameType        string
	MaxConcurrent   int
	Engine          Config // per-match tuning; RefereeID/AuthToken filled in
}

// Service hosts a referee: it registers with the manager, accepts match
// assignments on its admin route, and routes inbound acks and choices to
// the owning match engine.
type Service struct {
	cfg    ServiceConfig
	client Caller
	store  *repo.MatchRepo
	rules  *game.EvenOdd
	logger *slog.Logger
	met    *metrics.Metrics

	mu        sync.Mutex
	authToken string
	leagueID  string
	matches   map[string]*Engine
	completed map[string]struct{} // finished match IDs, for replay acks
	slots     chan struct{}       // capacity semaphore
}

// NewService creates the referee service.
func NewService(cfg ServiceConfig, client Caller, store *repo.MatchRepo, rules *game.EvenOdd, logger *slog.Logger, met *metrics.Metrics) *Service {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RefereeID == "" {
		// pre-registration placeholder, the manager assigns the real ID
		cfg.RefereeID = "unassigned"
	}
	return &Service{
		cfg:       cfg,
		client:    client,
		store:     store,
		rules:     rules,
		logger:    logger,
		met:       met,
		matches:   make(map[string]*Engine),
		completed: make(map[string]struct{}),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Register announces this referee to the league manager and stores the
// issued token. Called once at startup.
func (s *Service) Register(ctx context.Context) error {
	req := &protocol.RefereeRegisterRequest{
		Envelope: protocol.NewEnvelope(protocol.MsgRefereeRegisterRequest, protocol.RoleReferee, s.cfg.RefereeID, ""),
		RefereeMeta: protocol.RefereeMeta{
			DisplayName:          s.cfg.DisplayName,
			Version:              "1.0.0",
			GameTypes:            []string{s.cfg.GameType},
			ContactEndpoint:      s.cfg.Endpoint,
			MaxConcurrentMatches: s.cfg.MaxConcurrent,
		},
	}

	raw, err := s.client.Call(ctx, s.cfg.ManagerEndpoint, "register_referee", req)
	if err != nil {
		return fmt.Errorf("registering with manager: %w", err)
	}

	var resp protocol.RefereeRegisterResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parsing registration response: %w", err)
	}
	if resp.Status != protocol.RegistrationAccepted {
		return fmt.Errorf("registration rejected: %s", resp.RejectionReason)
	}

	s.mu.Lock()
	s.authToken = resp.AuthToken
	s.leagueID = resp.LeagueID
	if resp.RefereeID != "" {
		s.cfg.RefereeID = resp.RefereeID
	}
	s.mu.Unlock()

	s.logger.Info("REGISTRATION_SUCCESS",
		slog.String("referee_id", s.cfg.RefereeID),
		slog.String("league_id", resp.LeagueID),
	)
	return nil
}

// RefereeID returns the possibly manager-assigned ID.
func (s *Service) RefereeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RefereeID
}

// StartMatchRequest is the admin payload the manager posts to start one
// match on this referee.
type StartMatchRequest struct {
	MatchID         string `json:"match_id"`
	RoundID         string `json:"round_id"`
	LeagueID        string `json:"league_id"`
	GameType        string `json:"game_type"`
	PlayerAID       string `json:"player_a_id"`
	PlayerBID       string `json:"player_b_id"`
	PlayerAEndpoint string `json:"player_a_endpoint"`
	PlayerBEndpoint string `json:"player_b_endpoint"`
}

// StartMatch validates the assignment and launches the match engine on its
// own goroutine. Duplicate match IDs are refused.
func (s *Service) StartMatch(req StartMatchRequest) error {
	if req.MatchID == "" || req.PlayerAID == "" || req.PlayerBID == "" {
		return fmt.Errorf("match_id and both players are required")
	}
	if req.PlayerAEndpoint == "" || req.PlayerBEndpoint == "" {
		return fmt.Errorf("both player endpoints are required")
	}
	gameType := req.GameType
	if gameType == "" {
		gameType = s.cfg.GameType
	}

	s.mu.Lock()
	if _, exists := s.matches[req.MatchID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("match %s already running", req.MatchID)
	}
	if _, done := s.completed[req.MatchID]; done {
		s.mu.Unlock()
		return fmt.Errorf("match %s already completed", req.MatchID)
	}

	engCfg := s.cfg.Engine
	engCfg.RefereeID = s.cfg.RefereeID
	engCfg.AuthToken = s.authToken
	engCfg.ManagerEndpoint = s.cfg.ManagerEndpoint

	eng := NewEngine(MatchSpec{
		MatchID:  req.MatchID,
		RoundID:  req.RoundID,
		LeagueID: req.LeagueID,
		GameType: gameType,
		PlayerA:  PlayerRef{ID: req.PlayerAID, Endpoint: req.PlayerAEndpoint},
		PlayerB:  PlayerRef{ID: req.PlayerBID, Endpoint: req.PlayerBEndpoint},
	}, engCfg, s.client, s.store, s.rules, s.logger, s.met)
	s.matches[req.MatchID] = eng
	s.mu.Unlock()

	s.logger.Info("MATCH_STARTING",
		slog.String("match_id", req.MatchID),
		slog.String("player_a", req.PlayerAID),
		slog.String("player_b", req.PlayerBID),
	)

	go func() {
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		defer func() {
			s.mu.Lock()
			delete(s.matches, req.MatchID)
			s.completed[req.MatchID] = struct{}{}
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		eng.Run(ctx)
	}()
	return nil
}

func (s *Service) engineFor(matchID string) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eng, ok := s.matches[matchID]; ok {
		return eng, nil
	}
	if _, done := s.completed[matchID]; done {
		// a retried delivery that raced match completion, safe to acknowledge
		return nil, nil
	}
	return nil, rpc.Errorf(protocol.CodeProtocolError, "no active match %s", matchID)
}

func (s *Service) onJoinAck(env protocol.Envelope, ack *protocol.GameJoinAck) (any, error) {
	_, playerID, err := env.SenderRole()
	if err != nil {
		return nil, err
	}
	eng, err := s.engineFor(ack.MatchID)
	if err != nil {
		return nil, err
	}
	if eng != nil {
		if err := eng.HandleJoinAck(playerID, ack.Accept); err != nil {
			return nil, err
		}
	}
	return map[string]string{"status": "ok"}, nil
}

func (s *Service) onChoice(env protocol.Envelope, resp *protocol.ChooseParityResponse) (any, error) {
	_, playerID, err := env.SenderRole()
	if err != nil {
		return nil, err
	}
	eng, err := s.engineFor(resp.MatchID)
	if err != nil {
		return nil, err
	}
	if eng != nil {
		if err := eng.HandleChoice(playerID, resp.ParityChoice); err != nil {
			return nil, err
		}
	}
	return map[string]string{"status": "ok"}, nil
}

// Attach registers the referee's message handlers and admin routes on srv.
func (s *Service) Attach(srv *rpc.Server) {
	srv.Handle(protocol.MsgGameJoinAck, func(_ context.Context, env protocol.Envelope, msg protocol.Message) (any, error) {
		return s.onJoinAck(env, msg.(*protocol.GameJoinAck))
	})

	srv.Handle(protocol.MsgChooseParityResponse, func(_ context.Context, env protocol.Envelope, msg protocol.Message) (any, error) {
		return s.onChoice(env, msg.(*protocol.ChooseParityResponse))
	})

	srv.Router().HandleFunc("/admin/start_match", func(w http.ResponseWriter, r *http.Request) {
		var req StartMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.StartMatch(req); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "started", "match_id": req.MatchID})
	}).Methods(http.MethodPost)
}

// ActiveMatches reports the currently running match IDs.
func (s *Service) ActiveMatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.matches))
	for id := range s.matches {
		out = append(out, id)
	}
	return out
}
