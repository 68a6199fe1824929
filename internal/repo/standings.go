package repo

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// StandingsDoc is the on-disk shape of standings.json.
type StandingsDoc struct {
	LeagueID        string                   `json:"league_id"`
	Version         int                      `json:"version"`
	LastUpdated     string                   `json:"last_updated"`
	RoundsCompleted int                      `json:"rounds_completed"`
	Standings       []protocol.StandingEntry `json:"standings"`
}

// StandingsRepo owns <data_dir>/leagues/<league_id>/standings.json.
type StandingsRepo struct {
	mu       sync.Mutex
	path     string
	leagueID string
}

func NewStandingsRepo(dataDir, leagueID string) *StandingsRepo {
	return &StandingsRepo{
		path:     filepath.Join(dataDir, "leagues", leagueID, "standings.json"),
		leagueID: leagueID,
	}
}

// Load returns the persisted document, or an empty version-0 document when
// the file does not exist yet.
func (r *StandingsRepo) Load() (StandingsDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *StandingsRepo) load() (StandingsDoc, error) {
	doc := StandingsDoc{
		LeagueID:    r.leagueID,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Standings:   []protocol.StandingEntry{},
	}
	_, err := readJSON(r.path, &doc)
	return doc, err
}

// Save persists the table, bumping the version and timestamp.
func (r *StandingsRepo) Save(entries []protocol.StandingEntry) (StandingsDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return StandingsDoc{}, err
	}
	doc.Standings = entries
	doc.Version++
	doc.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if err := writeJSON(r.path, doc); err != nil {
		return StandingsDoc{}, err
	}
	return doc, nil
}

// IncrementRoundsCompleted bumps the round counter alongside the version.
func (r *StandingsRepo) IncrementRoundsCompleted() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	doc.RoundsCompleted++
	doc.Version++
	doc.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	return writeJSON(r.path, doc)
}
