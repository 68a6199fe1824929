package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParityResponse() map[string]any {
	return map[string]any{
		"protocol":        "league.v2",
		"message_type":    "CHOOSE_PARITY_RESPONSE",
		"sender":          "player:P01",
		"timestamp":       "2025-06-01T12:00:00.000000Z",
		"conversation_id": "R1M1",
		"auth_token":      "tok",
		"match_id":        "R1M1",
		"parity_choice":   "even",
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDecodeParityResponse(t *testing.T) {
	env, msg, err := Decode(mustJSON(t, validParityResponse()))
	require.NoError(t, err)

	assert.Equal(t, MsgChooseParityResponse, env.MessageType)
	assert.Equal(t, "player:P01", env.Sender)

	resp, ok := msg.(*ChooseParityResponse)
	require.True(t, ok)
	assert.Equal(t, "R1M1", resp.MatchID)
	assert.Equal(t, ParityEven, resp.ParityChoice)
}

func TestDecodeRejectsWrongProtocol(t *testing.T) {
	m := validParityResponse()
	m["protocol"] = "league.v1"

	_, _, err := Decode(mustJSON(t, m))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	cases := []string{
		"2025-06-01T12:00:00+02:00", // not UTC with Z
		"not-a-timestamp",
		"",
	}
	for _, ts := range cases {
		m := validParityResponse()
		m["timestamp"] = ts
		_, _, err := Decode(mustJSON(t, m))
		assert.Error(t, err, "timestamp %q", ts)
	}
}

func TestDecodeRejectsBadSender(t *testing.T) {
	for _, sender := range []string{"P01", "gamemaster:X01", ":P01", "player:"} {
		m := validParityResponse()
		m["sender"] = sender
		_, _, err := Decode(mustJSON(t, m))
		assert.Error(t, err, "sender %q", sender)
	}
}

func TestDecodeAcceptsBareManagerSender(t *testing.T) {
	m := map[string]any{
		"protocol":          "league.v2",
		"message_type":      "LEAGUE_ERROR",
		"sender":            "league_manager",
		"timestamp":         "2025-06-01T12:00:00Z",
		"conversation_id":   "c1",
		"auth_token":        "tok",
		"error_code":        "AUTH_TOKEN_INVALID",
		"error_description": "bad token",
	}
	env, _, err := Decode(mustJSON(t, m))
	require.NoError(t, err)

	role, id, err := env.SenderRole()
	require.NoError(t, err)
	assert.Equal(t, RoleManager, role)
	assert.Empty(t, id)
}

func TestDecodeRejectsUppercaseParity(t *testing.T) {
	m := validParityResponse()
	m["parity_choice"] = "EVEN"
	_, _, err := Decode(mustJSON(t, m))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parity_choice")
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	m := validParityResponse()
	m["surprise"] = true
	_, _, err := Decode(mustJSON(t, m))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surprise")
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	m := validParityResponse()
	m["message_type"] = "MOVE_CALL"
	_, _, err := Decode(mustJSON(t, m))
	assert.Error(t, err)
}

func TestRegistrationRequestDoesNotRequireToken(t *testing.T) {
	m := map[string]any{
		"protocol":        "league.v2",
		"message_type":    "LEAGUE_REGISTER_REQUEST",
		"sender":          "player:P01",
		"timestamp":       "2025-06-01T12:00:00Z",
		"conversation_id": "c1",
		"auth_token":      "",
		"player_meta": map[string]any{
			"display_name":     "Alice",
			"version":          "1.0.0",
			"game_types":       []string{"even_odd"},
			"contact_endpoint": "http://localhost:8101/mcp",
		},
	}
	env, msg, err := Decode(mustJSON(t, m))
	require.NoError(t, err)
	assert.False(t, env.RequiresToken())

	req, ok := msg.(*LeagueRegisterRequest)
	require.True(t, ok)
	assert.Equal(t, "Alice", req.PlayerMeta.DisplayName)
}

func TestGameErrorRoundTrip(t *testing.T) {
	ge := GameError{
		Envelope:         NewEnvelope(MsgGameError, RoleReferee, "REF01", "tok"),
		MatchID:          "R2M1",
		ErrorCode:        CodeInvalidChoice,
		ErrorDescription: "parity_choice must be \"even\" or \"odd\"",
		AffectedPlayer:   "P02",
		ActionRequired:   "resend CHOOSE_PARITY_RESPONSE",
		RetryCount:       1,
		MaxRetries:       3,
		Consequence:      "technical loss on exhaustion",
	}
	raw := mustJSON(t, ge)

	env, msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgGameError, env.MessageType)

	got, ok := msg.(*GameError)
	require.True(t, ok)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "P02", got.AffectedPlayer)
}

func TestMatchResultReportRequiresScore(t *testing.T) {
	drawn := 4
	report := MatchResultReport{
		Envelope: NewEnvelope(MsgMatchResultReport, RoleReferee, "REF01", "tok"),
		MatchID:  "R1M1",
		RoundID:  "R1",
		LeagueID: "league_2025_even_odd",
		Result: GameResult{
			Status:         StatusWin,
			WinnerPlayerID: "P01",
			DrawnNumber:    &drawn,
			NumberParity:   ParityEven,
			Choices:        map[string]Parity{"P01": ParityEven, "P02": ParityOdd},
			Reason:         "P01 chose even, number 4 is even",
		},
	}
	_, _, err := Decode(mustJSON(t, report))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score")

	report.Result.Score = map[string]int{"P01": 3, "P02": 0}
	_, _, err = Decode(mustJSON(t, report))
	assert.NoError(t, err)
}

func TestWinResultRequiresWinner(t *testing.T) {
	res := GameResult{Status: StatusWin, Reason: "missing winner", Score: map[string]int{"P01": 3}}
	assert.Error(t, res.validate())

	var perr *ProtocolError
	_, _, err := Decode(mustJSON(t, MatchResultReport{
		Envelope: NewEnvelope(MsgMatchResultReport, RoleReferee, "REF01", "tok"),
		MatchID:  "R1M1", RoundID: "R1", LeagueID: "L1",
		Result: res,
	}))
	assert.True(t, errors.As(err, &perr))
}

func TestNewEnvelopeEmitsQualifiedManagerSender(t *testing.T) {
	env := NewEnvelope(MsgRoundAnnouncement, RoleManager, "LEAGUE01", "tok")
	assert.Equal(t, "league_manager:LEAGUE01", env.Sender)
	assert.NoError(t, env.Validate())
	assert.NotEmpty(t, env.ConversationID)
}
