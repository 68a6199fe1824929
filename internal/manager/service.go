package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/auth"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/metrics"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/rpc"
)

// Service exposes the league manager's /mcp handlers and admin routes.
type Service struct {
	leagueID string
	registry *Registry
	league   *League
	tokens   *auth.Service
	logger   *slog.Logger
	met      *metrics.Metrics

	// runCtx outlives any single request, so the round loop keeps going
	// after the start_league call returns.
	runCtx context.Context
}

// NewService wires the manager. runCtx bounds the league run loop; pass the
// process context.
func NewService(runCtx context.Context, leagueID string, registry *Registry, league *League,
	tokens *auth.Service, logger *slog.Logger, met *metrics.Metrics) *Service {
	return &Service{
		leagueID: leagueID,
		registry: registry,
		league:   league,
		tokens:   tokens,
		logger:   logger,
		met:      met,
		runCtx:   runCtx,
	}
}

// AuthFunc verifies the envelope token and pins it to the claimed sender,
// both its agent ID and its role.
func (s *Service) AuthFunc(env protocol.Envelope) error {
	role, agentID, err := env.SenderRole()
	if err != nil {
		return err
	}
	_, err = s.tokens.VerifyAgent(env.AuthToken, agentID, string(role))
	return err
}

func (s *Service) countReceived(t protocol.MessageType) {
	if s.met != nil {
		s.met.MessagesReceived.WithLabelValues(string(t)).Inc()
	}
}

// Attach registers all manager handlers and admin routes on srv.
func (s *Service) Attach(srv *rpc.Server) {
	srv.Handle(protocol.MsgRefereeRegisterRequest, s.handleRefereeRegister)
	srv.Handle(protocol.MsgLeagueRegisterRequest, s.handlePlayerRegister)
	srv.Handle(protocol.MsgMatchResultReport, s.handleMatchResult)
	srv.HandleMethod("start_league", s.handleStartLeague)

	srv.Router().HandleFunc("/admin/start_league", func(w http.ResponseWriter, r *http.Request) {
		result, err := s.startLeague()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}).Methods(http.MethodPost)

	srv.Router().HandleFunc("/admin/standings", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"league_id": s.leagueID,
			"state":     s.league.State(),
			"standings": s.league.Standings(),
		})
	}).Methods(http.MethodGet)

	srv.Router().HandleFunc("/admin/agents", func(w http.ResponseWriter, _ *http.Request) {
		players := s.registry.Players()
		referees := s.registry.Referees()
		type agent struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			Endpoint    string `json:"endpoint"`
		}
		out := map[string][]agent{"players": {}, "referees": {}}
		for _, p := range players {
			out["players"] = append(out["players"], agent{p.ID, p.Meta.DisplayName, p.Meta.ContactEndpoint})
		}
		for _, ref := range referees {
			out["referees"] = append(out["referees"], agent{ref.ID, ref.Meta.DisplayName, ref.Meta.ContactEndpoint})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)
}

func (s *Service) handleRefereeRegister(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	req := msg.(*protocol.RefereeRegisterRequest)
	s.countReceived(protocol.MsgRefereeRegisterRequest)

	resp := &protocol.RefereeRegisterResponse{
		Envelope: s.envelope(protocol.MsgRefereeRegisterResponse),
		LeagueID: s.leagueID,
	}

	id, token, err := s.registry.RegisterReferee(req.RefereeMeta)
	if err != nil {
		resp.Status = protocol.RegistrationRejected
		resp.RejectionReason = err.Error()
		s.logger.Warn("REGISTRATION_REJECTED",
			slog.String("role", "referee"),
			slog.String("reason", err.Error()),
		)
		return resp, nil
	}

	resp.Status = protocol.RegistrationAccepted
	resp.RefereeID = id
	resp.AuthToken = token
	s.logger.Info("REFEREE_REGISTERED",
		slog.String("referee_id", id),
		slog.String("display_name", req.RefereeMeta.DisplayName),
		slog.String("endpoint", req.RefereeMeta.ContactEndpoint),
	)
	return resp, nil
}

func (s *Service) handlePlayerRegister(_ context.Context, _ protocol.Envelope, msg protocol.Message) (any, error) {
	req := msg.(*protocol.LeagueRegisterRequest)
	s.countReceived(protocol.MsgLeagueRegisterRequest)

	resp := &protocol.LeagueRegisterResponse{
		Envelope: s.envelope(protocol.MsgLeagueRegisterResponse),
		LeagueID: s.leagueID,
	}

	id, token, err := s.registry.RegisterPlayer(req.PlayerMeta)
	if err != nil {
		resp.Status = protocol.RegistrationRejected
		resp.RejectionReason = err.Error()
		s.logger.Warn("REGISTRATION_REJECTED",
			slog.String("role", "player"),
			slog.String("reason", err.Error()),
		)
		return resp, nil
	}

	resp.Status = protocol.RegistrationAccepted
	resp.PlayerID = id
	resp.AuthToken = token
	s.logger.Info("PLAYER_REGISTERED",
		slog.String("player_id", id),
		slog.String("display_name", req.PlayerMeta.DisplayName),
		slog.String("endpoint", req.PlayerMeta.ContactEndpoint),
	)
	return resp, nil
}

func (s *Service) handleMatchResult(_ context.Context, env protocol.Envelope, msg protocol.Message) (any, error) {
	report := msg.(*protocol.MatchResultReport)
	s.countReceived(protocol.MsgMatchResultReport)

	role, refereeID, err := env.SenderRole()
	if err != nil {
		return nil, err
	}
	if role != protocol.RoleReferee {
		return nil, rpc.Errorf(protocol.CodeProtocolError, "only referees report results, got %s", env.Sender)
	}
	if _, ok := s.registry.Referee(refereeID); !ok {
		return nil, rpc.Errorf(protocol.CodeProtocolError, "referee %s is not registered", refereeID)
	}

	if err := s.league.HandleResult(report); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok", "match_id": report.MatchID}, nil
}

func (s *Service) handleStartLeague(_ context.Context, _ json.RawMessage) (any, error) {
	return s.startLeague()
}

func (s *Service) startLeague() (map[string]any, error) {
	rounds, matches, err := s.league.Start(s.runCtx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":        "started",
		"league_id":     s.leagueID,
		"total_rounds":  rounds,
		"total_matches": matches,
	}, nil
}

func (s *Service) envelope(t protocol.MessageType) protocol.Envelope {
	return protocol.NewEnvelope(t, protocol.RoleManager, s.leagueID, "")
}

// IssueSelfToken issues the manager its own broadcast token.
func (s *Service) IssueSelfToken() error {
	token, err := s.tokens.Issue(s.leagueID, string(protocol.RoleManager))
	if err != nil {
		return fmt.Errorf("issuing manager token: %w", err)
	}
	s.league.SetAuthToken(token)
	return nil
}
