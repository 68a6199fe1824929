// Package protocol defines the league.v2 message envelope and the 16 typed
// payloads exchanged between the league manager, referees, and players.
// Every message travels as the params object of a JSON-RPC 2.0 call.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only protocol accepted on the wire.
const ProtocolVersion = "league.v2"

// MessageType identifies one of the 16 core message types.
type MessageType string

const (
	// Registration (4)
	MsgRefereeRegisterRequest  MessageType = "REFEREE_REGISTER_REQUEST"
	MsgRefereeRegisterResponse MessageType = "REFEREE_REGISTER_RESPONSE"
	MsgLeagueRegisterRequest   MessageType = "LEAGUE_REGISTER_REQUEST"
	MsgLeagueRegisterResponse  MessageType = "LEAGUE_REGISTER_RESPONSE"
	// Round management (2)
	MsgRoundAnnouncement MessageType = "ROUND_ANNOUNCEMENT"
	MsgRoundCompleted    MessageType = "ROUND_COMPLETED"
	// Game execution (5)
	MsgGameInvitation       MessageType = "GAME_INVITATION"
	MsgGameJoinAck          MessageType = "GAME_JOIN_ACK"
	MsgChooseParityCall     MessageType = "CHOOSE_PARITY_CALL"
	MsgChooseParityResponse MessageType = "CHOOSE_PARITY_RESPONSE"
	MsgGameOver             MessageType = "GAME_OVER"
	// League management (3)
	MsgMatchResultReport     MessageType = "MATCH_RESULT_REPORT"
	MsgLeagueStandingsUpdate MessageType = "LEAGUE_STANDINGS_UPDATE"
	MsgLeagueCompleted       MessageType = "LEAGUE_COMPLETED"
	// Errors (2)
	MsgLeagueError MessageType = "LEAGUE_ERROR"
	MsgGameError   MessageType = "GAME_ERROR"
)

// Role is the agent class encoded in the sender field.
type Role string

const (
	RolePlayer  Role = "player"
	RoleReferee Role = "referee"
	RoleManager Role = "league_manager"
)

// Envelope carries the fields present on every league.v2 message.
// Timestamps are RFC-3339 UTC strings with a trailing Z; they stay strings
// on the wire so the suffix survives round-trips.
type Envelope struct {
	Protocol       string      `json:"protocol"`
	MessageType    MessageType `json:"message_type"`
	Sender         string      `json:"sender"`
	Timestamp      string      `json:"timestamp"`
	ConversationID string      `json:"conversation_id"`
	AuthToken      string      `json:"auth_token"`
}

// NewEnvelope builds an envelope for an outbound message. The conversation
// ID is freshly generated; callers that continue an existing conversation
// (e.g. everything scoped to one match) overwrite it.
func NewEnvelope(msgType MessageType, role Role, agentID, authToken string) Envelope {
	return Envelope{
		Protocol:       ProtocolVersion,
		MessageType:    msgType,
		Sender:         string(role) + ":" + agentID,
		Timestamp:      NowUTC(),
		ConversationID: uuid.NewString(),
		AuthToken:      authToken,
	}
}

// NowUTC returns the current instant formatted for the wire.
func NowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// SenderRole splits the sender field. The bare form "league_manager" is
// accepted on ingress; the qualified form is always emitted.
func (e Envelope) SenderRole() (Role, string, error) {
	if e.Sender == string(RoleManager) {
		return RoleManager, "", nil
	}
	idx := strings.Index(e.Sender, ":")
	if idx <= 0 || idx == len(e.Sender)-1 {
		return "", "", fmt.Errorf("sender %q not in <role>:<id> form", e.Sender)
	}
	role := Role(e.Sender[:idx])
	switch role {
	case RolePlayer, RoleReferee, RoleManager:
		return role, e.Sender[idx+1:], nil
	}
	return "", "", fmt.Errorf("sender role %q unknown", e.Sender[:idx])
}

// RequiresToken reports whether this message type must carry an auth token.
// Only the two registration requests are exempt.
func (e Envelope) RequiresToken() bool {
	return e.MessageType != MsgRefereeRegisterRequest && e.MessageType != MsgLeagueRegisterRequest
}

// Validate checks the universal envelope invariants.
func (e Envelope) Validate() error {
	if e.Protocol != ProtocolVersion {
		return fmt.Errorf("unsupported protocol %q", e.Protocol)
	}
	if _, ok := payloadFields[e.MessageType]; !ok {
		return fmt.Errorf("unknown message_type %q", e.MessageType)
	}
	if _, _, err := e.SenderRole(); err != nil {
		return err
	}
	if err := validateTimestamp(e.Timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_id is empty")
	}
	return nil
}

func validateTimestamp(ts string) error {
	if !strings.HasSuffix(ts, "Z") {
		return fmt.Errorf("%q is not a UTC instant with Z suffix", ts)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		return fmt.Errorf("%q is not RFC-3339: %w", ts, err)
	}
	return nil
}
