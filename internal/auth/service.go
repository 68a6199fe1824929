// Package auth issues and validates the HS256 JWTs that authenticate every
// league message after registration.
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// EnvSecret is the environment variable holding the shared signing secret.
const EnvSecret = "LEAGUE_JWT_SECRET"

var (
	// ErrTokenMissing maps to the AUTH_TOKEN_MISSING wire error.
	ErrTokenMissing = errors.New("auth token missing")
	// ErrTokenInvalid maps to the AUTH_TOKEN_INVALID wire error. It covers
	// bad signatures, expiry, revocation, and scope mismatches alike.
	ErrTokenInvalid = errors.New("auth token invalid")
)

// Claims is the league token payload. Subject carries the agent ID.
type Claims struct {
	LeagueID string `json:"league_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ServiceConfig configures a token service.
type ServiceConfig struct {
	Secret   string
	LeagueID string
	TTL      time.Duration
}

// Service signs tokens for registered agents and verifies inbound ones.
// Only the league manager holds a signing service; referees and players
// just carry their issued token.
type Service struct {
	mu       sync.RWMutex
	secret   []byte
	leagueID string
	ttl      time.Duration

	// jti → revocation time, swept lazily on verify
	revoked map[string]time.Time
}

// NewService creates a token service. An empty Secret falls back to the
// LEAGUE_JWT_SECRET environment variable.
func NewService(cfg ServiceConfig) (*Service, error) {
	secret := cfg.Secret
	if secret == "" {
		secret = os.Getenv(EnvSecret)
	}
	if secret == "" {
		return nil, fmt.Errorf("no signing secret: set %s", EnvSecret)
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{
		secret:   []byte(secret),
		leagueID: cfg.LeagueID,
		ttl:      cfg.TTL,
		revoked:  make(map[string]time.Time),
	}, nil
}

// Issue signs a token scoped to one agent for the service's league.
func (s *Service) Issue(agentID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		LeagueID: s.leagueID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token for %s: %w", agentID, err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and revocation, and returns the claims.
// The empty string is reported as missing, every other failure as invalid.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if s.leagueID != "" && claims.LeagueID != s.leagueID {
		return nil, ErrTokenInvalid
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	s.mu.RUnlock()
	if revoked {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

// VerifyAgent verifies the token and additionally pins it to one agent ID
// and role. Used when the sender field must match what the token was issued
// for; an empty agentID or role skips that check.
func (s *Service) VerifyAgent(tokenStr, agentID, role string) (*Claims, error) {
	claims, err := s.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if agentID != "" && claims.Subject != agentID {
		return nil, ErrTokenInvalid
	}
	if role != "" && claims.Role != role {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Revoke invalidates one token by its jti. Idempotent.
func (s *Service) Revoke(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = time.Now()

	// Sweep entries older than the token TTL; their tokens have expired
	// anyway so the revocation record is dead weight.
	cutoff := time.Now().Add(-s.ttl)
	for id, at := range s.revoked {
		if at.Before(cutoff) {
			delete(s.revoked, id)
		}
	}
}
