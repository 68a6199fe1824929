package protocol

import (
	"encoding/json"
	"fmt"
)

// Stable error-code strings shared by all agents.
const (
	CodeProtocolError       = "PROTOCOL_ERROR"
	CodeTimeout             = "TIMEOUT_ERROR"
	CodeInvalidChoice       = "INVALID_CHOICE"
	CodeMissingField        = "MISSING_REQUIRED_FIELD"
	CodeConnectionError     = "CONNECTION_ERROR"
	CodeAuthTokenMissing    = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid    = "AUTH_TOKEN_INVALID"
	CodePlayerNotFound      = "PLAYER_NOT_FOUND"
	CodeLeagueNotFound      = "LEAGUE_NOT_FOUND"
	CodePlayerNotRegistered = "PLAYER_NOT_REGISTERED"
)

// ProtocolError is returned by Decode for any envelope or schema violation.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return CodeProtocolError + ": " + e.Detail
}

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Detail: fmt.Sprintf(format, args...)}
}

var envelopeFields = []string{
	"protocol", "message_type", "sender", "timestamp", "conversation_id", "auth_token",
}

// payloadFields lists the payload keys each message type may carry beyond
// the envelope. Unknown keys are rejected.
var payloadFields = map[MessageType][]string{
	MsgRefereeRegisterRequest:  {"referee_meta"},
	MsgRefereeRegisterResponse: {"status", "referee_id", "auth_token", "league_id", "rejection_reason"},
	MsgLeagueRegisterRequest:   {"player_meta"},
	MsgLeagueRegisterResponse:  {"status", "player_id", "auth_token", "league_id", "rejection_reason"},
	MsgRoundAnnouncement:       {"round_id", "league_id", "matches"},
	MsgRoundCompleted:          {"round_id", "league_id", "completed_matches", "next_round_id"},
	MsgGameInvitation:          {"match_id", "game_type", "role_in_match", "opponent_id"},
	MsgGameJoinAck:             {"match_id", "accept", "arrival_timestamp"},
	MsgChooseParityCall:        {"match_id", "game_type", "deadline", "context"},
	MsgChooseParityResponse:    {"match_id", "parity_choice"},
	MsgGameOver:                {"match_id", "game_result"},
	MsgMatchResultReport:       {"match_id", "round_id", "league_id", "result"},
	MsgLeagueStandingsUpdate:   {"league_id", "round_id", "version", "standings"},
	MsgLeagueCompleted:         {"league_id", "total_rounds", "total_matches", "champion", "final_standings"},
	MsgLeagueError:             {"error_code", "error_description", "context"},
	MsgGameError: {"match_id", "error_code", "error_description", "affected_player",
		"action_required", "retry_count", "max_retries", "consequence"},
}

// Decode parses raw params into the envelope and the typed payload for its
// message_type. Any violation — wrong protocol, malformed sender or
// timestamp, unknown field, enum case, missing required field — comes back
// as a *ProtocolError.
func Decode(raw []byte) (Envelope, Message, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Envelope{}, nil, protoErrf("params is not a JSON object: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, protoErrf("envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, nil, protoErrf("envelope: %v", err)
	}

	allowed := make(map[string]bool, len(envelopeFields)+8)
	for _, f := range envelopeFields {
		allowed[f] = true
	}
	for _, f := range payloadFields[env.MessageType] {
		allowed[f] = true
	}
	for k := range keys {
		if !allowed[k] {
			return Envelope{}, nil, protoErrf("%s: unknown field %q", env.MessageType, k)
		}
	}

	msg, err := unmarshalTyped(env.MessageType, raw)
	if err != nil {
		return Envelope{}, nil, protoErrf("%s: %v", env.MessageType, err)
	}
	if err := msg.Validate(); err != nil {
		return Envelope{}, nil, protoErrf("%s: %v", env.MessageType, err)
	}
	return env, msg, nil
}

func unmarshalTyped(t MessageType, raw []byte) (Message, error) {
	var target Message
	switch t {
	case MsgRefereeRegisterRequest:
		target = &RefereeRegisterRequest{}
	case MsgRefereeRegisterResponse:
		target = &RefereeRegisterResponse{}
	case MsgLeagueRegisterRequest:
		target = &LeagueRegisterRequest{}
	case MsgLeagueRegisterResponse:
		target = &LeagueRegisterResponse{}
	case MsgRoundAnnouncement:
		target = &RoundAnnouncement{}
	case MsgRoundCompleted:
		target = &RoundCompleted{}
	case MsgGameInvitation:
		target = &GameInvitation{}
	case MsgGameJoinAck:
		target = &GameJoinAck{}
	case MsgChooseParityCall:
		target = &ChooseParityCall{}
	case MsgChooseParityResponse:
		target = &ChooseParityResponse{}
	case MsgGameOver:
		target = &GameOver{}
	case MsgMatchResultReport:
		target = &MatchResultReport{}
	case MsgLeagueStandingsUpdate:
		target = &LeagueStandingsUpdate{}
	case MsgLeagueCompleted:
		target = &LeagueCompleted{}
	case MsgLeagueError:
		target = &LeagueError{}
	case MsgGameError:
		target = &GameError{}
	default:
		return nil, fmt.Errorf("unknown message_type %q", t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return target, nil
}
