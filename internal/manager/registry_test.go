package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/auth"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	return newCappedRegistry(t, 0)
}

func newCappedRegistry(t *testing.T, maxPlayers int) *Registry {
	t.Helper()
	tokens, err := auth.NewService(auth.ServiceConfig{Secret: "test-secret", LeagueID: "L1"})
	require.NoError(t, err)
	return NewRegistry(tokens, "even_odd", maxPlayers)
}

func playerMeta(name, endpoint string) protocol.PlayerMeta {
	return protocol.PlayerMeta{
		DisplayName:     name,
		Version:         "1.0.0",
		GameTypes:       []string{"even_odd"},
		ContactEndpoint: endpoint,
	}
}

func refereeMeta(name, endpoint string, capacity int) protocol.RefereeMeta {
	return protocol.RefereeMeta{
		DisplayName:          name,
		Version:              "1.0.0",
		GameTypes:            []string{"even_odd"},
		ContactEndpoint:      endpoint,
		MaxConcurrentMatches: capacity,
	}
}

func TestSequentialIDs(t *testing.T) {
	r := newTestRegistry(t)

	idA, tokenA, err := r.RegisterPlayer(playerMeta("Alice", "http://a/mcp"))
	require.NoError(t, err)
	idB, _, err := r.RegisterPlayer(playerMeta("Bob", "http://b/mcp"))
	require.NoError(t, err)
	assert.Equal(t, "P01", idA)
	assert.Equal(t, "P02", idB)
	assert.NotEmpty(t, tokenA)

	refID, _, err := r.RegisterReferee(refereeMeta("Ref", "http://r/mcp", 2))
	require.NoError(t, err)
	assert.Equal(t, "REF01", refID)
}

func TestReRegistrationKeepsID(t *testing.T) {
	r := newTestRegistry(t)

	id1, token1, err := r.RegisterPlayer(playerMeta("Alice", "http://a/mcp"))
	require.NoError(t, err)
	id2, token2, err := r.RegisterPlayer(playerMeta("Alice v2", "http://a/mcp"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, token2)
	_ = token1

	p, ok := r.Player(id1)
	require.True(t, ok)
	assert.Equal(t, "Alice v2", p.Meta.DisplayName)

	// a fresh endpoint still gets the next ID, not a recycled one
	id3, _, err := r.RegisterPlayer(playerMeta("Bob", "http://b/mcp"))
	require.NoError(t, err)
	assert.Equal(t, "P02", id3)
}

func TestEndpointCannotSwitchRole(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.RegisterPlayer(playerMeta("Alice", "http://a/mcp"))
	require.NoError(t, err)

	_, _, err = r.RegisterReferee(refereeMeta("Imposter", "http://a/mcp", 1))
	assert.Error(t, err)
}

func TestPlayerCapEnforced(t *testing.T) {
	r := newCappedRegistry(t, 2)

	_, _, err := r.RegisterPlayer(playerMeta("Alice", "http://a/mcp"))
	require.NoError(t, err)
	_, _, err = r.RegisterPlayer(playerMeta("Bob", "http://b/mcp"))
	require.NoError(t, err)

	_, _, err = r.RegisterPlayer(playerMeta("Carol", "http://c/mcp"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")

	// a known endpoint re-registering does not count against the cap
	id, _, err := r.RegisterPlayer(playerMeta("Alice v2", "http://a/mcp"))
	require.NoError(t, err)
	assert.Equal(t, "P01", id)
}

func TestRefereeMustSupportGameType(t *testing.T) {
	r := newTestRegistry(t)

	meta := refereeMeta("Chess Ref", "http://chess/mcp", 1)
	meta.GameTypes = []string{"chess"}
	_, _, err := r.RegisterReferee(meta)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "game type")

	meta.GameTypes = []string{"chess", "even_odd"}
	_, _, err = r.RegisterReferee(meta)
	assert.NoError(t, err)
}

func TestRegistrationClosesOnStart(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.RegisterPlayer(playerMeta("Alice", "http://a/mcp"))
	require.NoError(t, err)

	r.Close()

	_, _, err = r.RegisterPlayer(playerMeta("Late", "http://late/mcp"))
	assert.Error(t, err)
	_, _, err = r.RegisterReferee(refereeMeta("Late Ref", "http://lateref/mcp", 1))
	assert.Error(t, err)

	// existing registrations survive
	players := r.Players()
	assert.Len(t, players, 1)
}
