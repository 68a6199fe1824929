package protocol

import "fmt"

// Parity is a player's choice or a drawn number's parity. Wire values are
// lowercase only.
type Parity string

const (
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// Valid reports whether p is one of the two lowercase wire values.
func (p Parity) Valid() bool { return p == ParityEven || p == ParityOdd }

// RegistrationStatus is the outcome of a registration request.
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "ACCEPTED"
	RegistrationRejected RegistrationStatus = "REJECTED"
)

// GameStatus is the terminal status of a match.
type GameStatus string

const (
	StatusWin       GameStatus = "WIN"
	StatusDraw      GameStatus = "DRAW"
	StatusCancelled GameStatus = "CANCELLED"
)

// MatchRole identifies which seat a player occupies in a match.
type MatchRole string

const (
	MatchRoleA MatchRole = "PLAYER_A"
	MatchRoleB MatchRole = "PLAYER_B"
)

// ============================================================================
// SUPPORTING STRUCTS
// ============================================================================

// RefereeMeta describes a referee at registration time.
type RefereeMeta struct {
	DisplayName          string   `json:"display_name"`
	Version              string   `json:"version"`
	GameTypes            []string `json:"game_types"`
	ContactEndpoint      string   `json:"contact_endpoint"`
	MaxConcurrentMatches int      `json:"max_concurrent_matches"`
}

// PlayerMeta describes a player at registration time.
type PlayerMeta struct {
	DisplayName     string   `json:"display_name"`
	Version         string   `json:"version"`
	GameTypes       []string `json:"game_types"`
	ContactEndpoint string   `json:"contact_endpoint"`
}

// MatchInfo is one match assignment inside a round announcement.
type MatchInfo struct {
	MatchID         string `json:"match_id"`
	GameType        string `json:"game_type"`
	PlayerAID       string `json:"player_A_id"`
	PlayerBID       string `json:"player_B_id"`
	RefereeEndpoint string `json:"referee_endpoint"`
}

// StandingEntry is one row of the standings table.
type StandingEntry struct {
	Rank        int    `json:"rank"`
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Played      int    `json:"played"`
	Wins        int    `json:"wins"`
	Draws       int    `json:"draws"`
	Losses      int    `json:"losses"`
	Points      int    `json:"points"`
}

// GameResult holds the outcome of a match. Score is present on the
// referee's report to the manager and omitted on GAME_OVER.
type GameResult struct {
	Status         GameStatus        `json:"status"`
	WinnerPlayerID string            `json:"winner_player_id,omitempty"`
	DrawnNumber    *int              `json:"drawn_number,omitempty"`
	NumberParity   Parity            `json:"number_parity,omitempty"`
	Choices        map[string]Parity `json:"choices,omitempty"`
	Reason         string            `json:"reason"`
	Score          map[string]int    `json:"score,omitempty"`
}

// ============================================================================
// MESSAGE TYPES
// ============================================================================

// Message is implemented by all 16 payload types.
type Message interface {
	Type() MessageType
	Validate() error
}

// RefereeRegisterRequest — referee → manager, empty auth token.
type RefereeRegisterRequest struct {
	Envelope
	RefereeMeta RefereeMeta `json:"referee_meta"`
}

// LeagueRegisterRequest — player → manager, empty auth token.
type LeagueRegisterRequest struct {
	Envelope
	PlayerMeta PlayerMeta `json:"player_meta"`
}

// RefereeRegisterResponse — manager → referee. AuthToken shadows the
// envelope field on the wire; it carries the token issued to the referee.
type RefereeRegisterResponse struct {
	Envelope
	Status          RegistrationStatus `json:"status"`
	RefereeID       string             `json:"referee_id,omitempty"`
	AuthToken       string             `json:"auth_token,omitempty"`
	LeagueID        string             `json:"league_id,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
}

// LeagueRegisterResponse — manager → player.
type LeagueRegisterResponse struct {
	Envelope
	Status          RegistrationStatus `json:"status"`
	PlayerID        string             `json:"player_id,omitempty"`
	AuthToken       string             `json:"auth_token,omitempty"`
	LeagueID        string             `json:"league_id,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
}

// RoundAnnouncement — manager → all players.
type RoundAnnouncement struct {
	Envelope
	RoundID  string      `json:"round_id"`
	LeagueID string      `json:"league_id"`
	Matches  []MatchInfo `json:"matches"`
}

// RoundCompleted — manager → all players.
type RoundCompleted struct {
	Envelope
	RoundID          string   `json:"round_id"`
	LeagueID         string   `json:"league_id"`
	CompletedMatches []string `json:"completed_matches"`
	NextRoundID      string   `json:"next_round_id,omitempty"`
}

// GameInvitation — referee → player.
type GameInvitation struct {
	Envelope
	MatchID     string    `json:"match_id"`
	GameType    string    `json:"game_type"`
	RoleInMatch MatchRole `json:"role_in_match"`
	OpponentID  string    `json:"opponent_id"`
}

// GameJoinAck — player → referee.
type GameJoinAck struct {
	Envelope
	MatchID          string `json:"match_id"`
	Accept           bool   `json:"accept"`
	ArrivalTimestamp string `json:"arrival_timestamp"`
}

// ParityCallContext gives the player strategy its inputs.
type ParityCallContext struct {
	OpponentID string `json:"opponent_id"`
	RoundID    string `json:"round_id"`
}

// ChooseParityCall — referee → player.
type ChooseParityCall struct {
	Envelope
	MatchID  string            `json:"match_id"`
	GameType string            `json:"game_type"`
	Deadline string            `json:"deadline"`
	Context  ParityCallContext `json:"context"`
}

// ChooseParityResponse — player → referee.
type ChooseParityResponse struct {
	Envelope
	MatchID      string `json:"match_id"`
	ParityChoice Parity `json:"parity_choice"`
}

// GameOver — referee → both players.
type GameOver struct {
	Envelope
	MatchID    string     `json:"match_id"`
	GameResult GameResult `json:"game_result"`
}

// MatchResultReport — referee → manager. Receipt is the authoritative end
// of the match.
type MatchResultReport struct {
	Envelope
	MatchID  string     `json:"match_id"`
	RoundID  string     `json:"round_id"`
	LeagueID string     `json:"league_id"`
	Result   GameResult `json:"result"`
}

// LeagueStandingsUpdate — manager → all players.
type LeagueStandingsUpdate struct {
	Envelope
	LeagueID  string          `json:"league_id"`
	RoundID   string          `json:"round_id"`
	Version   int             `json:"version"`
	Standings []StandingEntry `json:"standings"`
}

// LeagueCompleted — manager → all players.
type LeagueCompleted struct {
	Envelope
	LeagueID       string          `json:"league_id"`
	TotalRounds    int             `json:"total_rounds"`
	TotalMatches   int             `json:"total_matches"`
	Champion       StandingEntry   `json:"champion"`
	FinalStandings []StandingEntry `json:"final_standings"`
}

// LeagueError — manager → any agent.
type LeagueError struct {
	Envelope
	ErrorCode        string         `json:"error_code"`
	ErrorDescription string         `json:"error_description"`
	Context          map[string]any `json:"context,omitempty"`
}

// GameError — referee → player.
type GameError struct {
	Envelope
	MatchID          string `json:"match_id"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	AffectedPlayer   string `json:"affected_player,omitempty"`
	ActionRequired   string `json:"action_required,omitempty"`
	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	Consequence      string `json:"consequence,omitempty"`
}

// ============================================================================
// TYPE TAGS
// ============================================================================

func (RefereeRegisterRequest) Type() MessageType  { return MsgRefereeRegisterRequest }
func (RefereeRegisterResponse) Type() MessageType { return MsgRefereeRegisterResponse }
func (LeagueRegisterRequest) Type() MessageType   { return MsgLeagueRegisterRequest }
func (LeagueRegisterResponse) Type() MessageType  { return MsgLeagueRegisterResponse }
func (RoundAnnouncement) Type() MessageType       { return MsgRoundAnnouncement }
func (RoundCompleted) Type() MessageType          { return MsgRoundCompleted }
func (GameInvitation) Type() MessageType          { return MsgGameInvitation }
func (GameJoinAck) Type() MessageType             { return MsgGameJoinAck }
func (ChooseParityCall) Type() MessageType        { return MsgChooseParityCall }
func (ChooseParityResponse) Type() MessageType    { return MsgChooseParityResponse }
func (GameOver) Type() MessageType                { return MsgGameOver }
func (MatchResultReport) Type() MessageType       { return MsgMatchResultReport }
func (LeagueStandingsUpdate) Type() MessageType   { return MsgLeagueStandingsUpdate }
func (LeagueCompleted) Type() MessageType         { return MsgLeagueCompleted }
func (LeagueError) Type() MessageType             { return MsgLeagueError }
func (GameError) Type() MessageType               { return MsgGameError }

// ============================================================================
// PER-TYPE VALIDATION
// ============================================================================

func (m RefereeRegisterRequest) Validate() error {
	if m.RefereeMeta.DisplayName == "" {
		return fmt.Errorf("referee_meta.display_name is required")
	}
	if m.RefereeMeta.ContactEndpoint == "" {
		return fmt.Errorf("referee_meta.contact_endpoint is required")
	}
	if len(m.RefereeMeta.GameTypes) == 0 {
		return fmt.Errorf("referee_meta.game_types is required")
	}
	if m.RefereeMeta.MaxConcurrentMatches < 1 {
		return fmt.Errorf("referee_meta.max_concurrent_matches must be >= 1")
	}
	return nil
}

func (m LeagueRegisterRequest) Validate() error {
	if m.PlayerMeta.DisplayName == "" {
		return fmt.Errorf("player_meta.display_name is required")
	}
	if m.PlayerMeta.ContactEndpoint == "" {
		return fmt.Errorf("player_meta.contact_endpoint is required")
	}
	if len(m.PlayerMeta.GameTypes) == 0 {
		return fmt.Errorf("player_meta.game_types is required")
	}
	return nil
}

func validateRegistrationStatus(s RegistrationStatus) error {
	if s != RegistrationAccepted && s != RegistrationRejected {
		return fmt.Errorf("status %q must be ACCEPTED or REJECTED", s)
	}
	return nil
}

func (m RefereeRegisterResponse) Validate() error { return validateRegistrationStatus(m.Status) }
func (m LeagueRegisterResponse) Validate() error  { return validateRegistrationStatus(m.Status) }

func (m RoundAnnouncement) Validate() error {
	if m.RoundID == "" || m.LeagueID == "" {
		return fmt.Errorf("round_id and league_id are required")
	}
	for _, mi := range m.Matches {
		if mi.MatchID == "" || mi.PlayerAID == "" || mi.PlayerBID == "" {
			return fmt.Errorf("match %q has missing participants", mi.MatchID)
		}
	}
	return nil
}

func (m RoundCompleted) Validate() error {
	if m.RoundID == "" || m.LeagueID == "" {
		return fmt.Errorf("round_id and league_id are required")
	}
	return nil
}

func (m GameInvitation) Validate() error {
	if m.MatchID == "" || m.OpponentID == "" {
		return fmt.Errorf("match_id and opponent_id are required")
	}
	if m.RoleInMatch != MatchRoleA && m.RoleInMatch != MatchRoleB {
		return fmt.Errorf("role_in_match %q must be PLAYER_A or PLAYER_B", m.RoleInMatch)
	}
	return nil
}

func (m GameJoinAck) Validate() error {
	if m.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	if err := validateTimestamp(m.ArrivalTimestamp); err != nil {
		return fmt.Errorf("arrival_timestamp: %w", err)
	}
	return nil
}

func (m ChooseParityCall) Validate() error {
	if m.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	if err := validateTimestamp(m.Deadline); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	return nil
}

func (m ChooseParityResponse) Validate() error {
	if m.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	if !m.ParityChoice.Valid() {
		return fmt.Errorf("parity_choice %q must be \"even\" or \"odd\"", m.ParityChoice)
	}
	return nil
}

func (r GameResult) validate() error {
	switch r.Status {
	case StatusWin:
		if r.WinnerPlayerID == "" {
			return fmt.Errorf("WIN result requires winner_player_id")
		}
	case StatusDraw, StatusCancelled:
	default:
		return fmt.Errorf("status %q must be WIN, DRAW or CANCELLED", r.Status)
	}
	if r.NumberParity != "" && !r.NumberParity.Valid() {
		return fmt.Errorf("number_parity %q must be \"even\" or \"odd\"", r.NumberParity)
	}
	for pid, c := range r.Choices {
		if !c.Valid() {
			return fmt.Errorf("choice %q for %s must be \"even\" or \"odd\"", c, pid)
		}
	}
	return nil
}

func (m GameOver) Validate() error {
	if m.MatchID == "" {
		return fmt.Errorf("match_id is required")
	}
	return m.GameResult.validate()
}

func (m MatchResultReport) Validate() error {
	if m.MatchID == "" || m.RoundID == "" || m.LeagueID == "" {
		return fmt.Errorf("match_id, round_id and league_id are required")
	}
	if m.Result.Status != StatusCancelled && len(m.Result.Score) == 0 {
		return fmt.Errorf("result.score is required for non-cancelled matches")
	}
	return m.Result.validate()
}

func (m LeagueStandingsUpdate) Validate() error {
	if m.LeagueID == "" {
		return fmt.Errorf("league_id is required")
	}
	return nil
}

func (m LeagueCompleted) Validate() error {
	if m.LeagueID == "" {
		return fmt.Errorf("league_id is required")
	}
	if m.Champion.PlayerID == "" {
		return fmt.Errorf("champion is required")
	}
	return nil
}

func (m LeagueError) Validate() error {
	if m.ErrorCode == "" {
		return fmt.Errorf("error_code is required")
	}
	return nil
}

func (m GameError) Validate() error {
	if m.MatchID == "" || m.ErrorCode == "" {
		return fmt.Errorf("match_id and error_code are required")
	}
	return nil
}
