// Package manager hosts the league manager: it registers agents, schedules
// the round-robin fixture list, dispatches matches to referees, maintains
// the standings table, and announces league progress to all players.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/auth"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// RegisteredPlayer is one player accepted into the league.
type RegisteredPlayer struct {
	ID           string
	Meta         protocol.PlayerMeta
	RegisteredAt time.Time
}

// RegisteredReferee is one referee accepted into the league.
type RegisteredReferee struct {
	ID           string
	Meta         protocol.RefereeMeta
	RegisteredAt time.Time
}

// Registry assigns sequential agent IDs and issues their tokens.
// Re-registration from the same contact endpoint returns the same ID with a
// fresh token, so an agent that restarts keeps its identity.
type Registry struct {
	tokens     *auth.Service
	gameType   string
	maxPlayers int // 0 means unbounded

	mu         sync.Mutex
	open       bool
	players    map[string]*RegisteredPlayer
	referees   map[string]*RegisteredReferee
	byEndpoint map[string]string // contact endpoint → assigned ID
	nextPlayer int
	nextRef    int
}

// NewRegistry creates an open registry backed by the token service. Players
// beyond maxPlayers are rejected, as are referees that do not support
// gameType.
func NewRegistry(tokens *auth.Service, gameType string, maxPlayers int) *Registry {
	return &Registry{
		tokens:     tokens,
		gameType:   gameType,
		maxPlayers: maxPlayers,
		open:       true,
		players:    make(map[string]*RegisteredPlayer),
		referees:   make(map[string]*RegisteredReferee),
		byEndpoint: make(map[string]string),
	}
}

// Close stops accepting registrations. Called when the league starts.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
}

// RegisterPlayer admits a player and returns its assigned ID and token.
func (r *Registry) RegisterPlayer(meta protocol.PlayerMeta) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		return "", "", fmt.Errorf("registration closed: league already started")
	}

	id, known := r.byEndpoint[meta.ContactEndpoint]
	if known {
		if _, isPlayer := r.players[id]; !isPlayer {
			return "", "", fmt.Errorf("endpoint %s already registered as a referee", meta.ContactEndpoint)
		}
		r.players[id].Meta = meta
	} else {
		if r.maxPlayers > 0 && len(r.players) >= r.maxPlayers {
			return "", "", fmt.Errorf("league is full: %d players registered", len(r.players))
		}
		r.nextPlayer++
		id = fmt.Sprintf("P%02d", r.nextPlayer)
		r.players[id] = &RegisteredPlayer{ID: id, Meta: meta, RegisteredAt: time.Now().UTC()}
		r.byEndpoint[meta.ContactEndpoint] = id
	}

	token, err := r.tokens.Issue(id, string(protocol.RolePlayer))
	if err != nil {
		return "", "", fmt.Errorf("issuing token for %s: %w", id, err)
	}
	return id, token, nil
}

// RegisterReferee admits a referee and returns its assigned ID and token.
func (r *Registry) RegisterReferee(meta protocol.RefereeMeta) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		return "", "", fmt.Errorf("registration closed: league already started")
	}
	if !supportsGame(meta.GameTypes, r.gameType) {
		return "", "", fmt.Errorf("referee does not support game type %s", r.gameType)
	}

	id, known := r.byEndpoint[meta.ContactEndpoint]
	if known {
		if _, isRef := r.referees[id]; !isRef {
			return "", "", fmt.Errorf("endpoint %s already registered as a player", meta.ContactEndpoint)
		}
		r.referees[id].Meta = meta
	} else {
		r.nextRef++
		id = fmt.Sprintf("REF%02d", r.nextRef)
		r.referees[id] = &RegisteredReferee{ID: id, Meta: meta, RegisteredAt: time.Now().UTC()}
		r.byEndpoint[meta.ContactEndpoint] = id
	}

	token, err := r.tokens.Issue(id, string(protocol.RoleReferee))
	if err != nil {
		return "", "", fmt.Errorf("issuing token for %s: %w", id, err)
	}
	return id, token, nil
}

func supportsGame(gameTypes []string, want string) bool {
	for _, g := range gameTypes {
		if g == want {
			return true
		}
	}
	return false
}

// Players returns a snapshot of registered players.
func (r *Registry) Players() []RegisteredPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegisteredPlayer, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}

// Referees returns a snapshot of registered referees.
func (r *Registry) Referees() []RegisteredReferee {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegisteredReferee, 0, len(r.referees))
	for _, ref := range r.referees {
		out = append(out, *ref)
	}
	return out
}

// Player looks up one registered player.
func (r *Registry) Player(id string) (RegisteredPlayer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return RegisteredPlayer{}, false
	}
	return *p, true
}

// Referee looks up one registered referee.
func (r *Registry) Referee(id string) (RegisteredReferee, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.referees[id]
	if !ok {
		return RegisteredReferee{}, false
	}
	return *ref, true
}
