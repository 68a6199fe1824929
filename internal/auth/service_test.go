package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Secret:   "test-secret",
		LeagueID: "league_2025_even_odd",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Issue("P01", "player")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "P01", claims.Subject)
	assert.Equal(t, "player", claims.Role)
	assert.Equal(t, "league_2025_even_odd", claims.LeagueID)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyEmptyTokenIsMissing(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Verify("")
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestVerifyGarbageTokenIsInvalid(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService(ServiceConfig{Secret: "other-secret", LeagueID: "league_2025_even_odd"})
	require.NoError(t, err)

	token, err := other.Issue("P01", "player")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsWrongLeague(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService(ServiceConfig{Secret: "test-secret", LeagueID: "some_other_league"})
	require.NoError(t, err)

	token, err := other.Issue("P01", "player")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := newTestService(t)

	now := time.Now().Add(-2 * time.Hour)
	claims := Claims{
		LeagueID: "league_2025_even_odd",
		Role:     "player",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "P01",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "expired-1",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAgentPinsSubjectAndRole(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue("REF01", "referee")
	require.NoError(t, err)

	_, err = svc.VerifyAgent(token, "REF01", "referee")
	assert.NoError(t, err)

	// another agent cannot present this token
	_, err = svc.VerifyAgent(token, "REF02", "referee")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// nor can the right agent claim a different role with it
	_, err = svc.VerifyAgent(token, "REF01", "player")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// empty pins skip the corresponding check
	_, err = svc.VerifyAgent(token, "", "referee")
	assert.NoError(t, err)
	_, err = svc.VerifyAgent(token, "REF01", "")
	assert.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.Issue("P02", "player")
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)

	svc.Revoke(claims.ID)
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// idempotent
	svc.Revoke(claims.ID)
}

func TestNewServiceRequiresSecret(t *testing.T) {
	t.Setenv(EnvSecret, "")
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)

	t.Setenv(EnvSecret, "env-secret")
	svc, err := NewService(ServiceConfig{LeagueID: "L1"})
	require.NoError(t, err)
	token, err := svc.Issue("P01", "player")
	require.NoError(t, err)
	_, err = svc.Verify(token)
	assert.NoError(t, err)
}
