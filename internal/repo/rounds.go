package repo

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// RoundRecord is one round's journal entry inside rounds.json.
type RoundRecord struct {
	RoundID          string               `json:"round_id"`
	StartedAt        string               `json:"started_at"`
	CompletedAt      string               `json:"completed_at,omitempty"`
	Matches          []protocol.MatchInfo `json:"matches"`
	CompletedMatches []string             `json:"completed_matches"`
}

// Completed reports whether every scheduled match has finished.
func (r RoundRecord) Completed() bool {
	return len(r.CompletedMatches) >= len(r.Matches)
}

type roundsDoc struct {
	LeagueID string        `json:"league_id"`
	Rounds   []RoundRecord `json:"rounds"`
}

// RoundsRepo owns <data_dir>/leagues/<league_id>/rounds.json.
type RoundsRepo struct {
	mu       sync.Mutex
	path     string
	leagueID string
}

func NewRoundsRepo(dataDir, leagueID string) *RoundsRepo {
	return &RoundsRepo{
		path:     filepath.Join(dataDir, "leagues", leagueID, "rounds.json"),
		leagueID: leagueID,
	}
}

func (r *RoundsRepo) load() (roundsDoc, error) {
	doc := roundsDoc{LeagueID: r.leagueID, Rounds: []RoundRecord{}}
	_, err := readJSON(r.path, &doc)
	return doc, err
}

// AddRound journals a newly announced round.
func (r *RoundsRepo) AddRound(roundID string, matches []protocol.MatchInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	doc.Rounds = append(doc.Rounds, RoundRecord{
		RoundID:          roundID,
		StartedAt:        time.Now().UTC().Format(time.RFC3339),
		Matches:          matches,
		CompletedMatches: []string{},
	})
	return writeJSON(r.path, doc)
}

// MarkMatchCompleted records one finished match. Idempotent, and reports
// whether the round is now complete.
func (r *RoundsRepo) MarkMatchCompleted(roundID, matchID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return false, err
	}
	for i := range doc.Rounds {
		if doc.Rounds[i].RoundID != roundID {
			continue
		}
		if !slices.Contains(doc.Rounds[i].CompletedMatches, matchID) {
			doc.Rounds[i].CompletedMatches = append(doc.Rounds[i].CompletedMatches, matchID)
			if err := writeJSON(r.path, doc); err != nil {
				return false, err
			}
		}
		return doc.Rounds[i].Completed(), nil
	}
	return false, fmt.Errorf("round %s not found", roundID)
}

// MarkRoundCompleted stamps the round's completion time.
func (r *RoundsRepo) MarkRoundCompleted(roundID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	for i := range doc.Rounds {
		if doc.Rounds[i].RoundID == roundID {
			doc.Rounds[i].CompletedAt = time.Now().UTC().Format(time.RFC3339)
			return writeJSON(r.path, doc)
		}
	}
	return fmt.Errorf("round %s not found", roundID)
}

// GetRound returns one round's record.
func (r *RoundsRepo) GetRound(roundID string) (RoundRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return RoundRecord{}, false, err
	}
	for _, rec := range doc.Rounds {
		if rec.RoundID == roundID {
			return rec, true, nil
		}
	}
	return RoundRecord{}, false, nil
}

// Rounds returns the full journal in announcement order.
func (r *RoundsRepo) Rounds() ([]RoundRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	return doc.Rounds, nil
}
