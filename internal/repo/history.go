package repo

import (
	"path/filepath"
	"sync"
	"time"
)

// HistoryEntry is one finished match as seen by one player.
type HistoryEntry struct {
	MatchID        string `json:"match_id"`
	Timestamp      string `json:"timestamp"`
	OpponentID     string `json:"opponent_id"`
	Result         string `json:"result"` // WIN, DRAW, LOSS, CANCELLED
	Points         int    `json:"points"`
	MyChoice       string `json:"my_choice"`
	OpponentChoice string `json:"opponent_choice"`
	DrawnNumber    *int   `json:"drawn_number"`
}

// HistoryDoc is the on-disk shape of a player's history.json.
type HistoryDoc struct {
	PlayerID     string         `json:"player_id"`
	TotalMatches int            `json:"total_matches"`
	TotalWins    int            `json:"total_wins"`
	TotalDraws   int            `json:"total_draws"`
	TotalLosses  int            `json:"total_losses"`
	Matches      []HistoryEntry `json:"matches"`
}

// HistoryRepo owns <data_dir>/players/<player_id>/history.json. It feeds
// player strategies; the manager never reads it.
type HistoryRepo struct {
	mu       sync.Mutex
	path     string
	playerID string
}

func NewHistoryRepo(dataDir, playerID string) *HistoryRepo {
	return &HistoryRepo{
		path:     filepath.Join(dataDir, "players", playerID, "history.json"),
		playerID: playerID,
	}
}

func (r *HistoryRepo) load() (HistoryDoc, error) {
	doc := HistoryDoc{PlayerID: r.playerID, Matches: []HistoryEntry{}}
	_, err := readJSON(r.path, &doc)
	return doc, err
}

// Load returns the full history document.
func (r *HistoryRepo) Load() (HistoryDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Append records one finished match and updates the aggregate counters.
func (r *HistoryRepo) Append(e HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	doc.Matches = append(doc.Matches, e)
	doc.TotalMatches = len(doc.Matches)
	switch e.Result {
	case "WIN":
		doc.TotalWins++
	case "DRAW":
		doc.TotalDraws++
	case "LOSS":
		doc.TotalLosses++
	}
	return writeJSON(r.path, doc)
}

// AgainstOpponent returns this player's past matches with one opponent.
func (r *HistoryRepo) AgainstOpponent(opponentID string) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, m := range doc.Matches {
		if m.OpponentID == opponentID {
			out = append(out, m)
		}
	}
	return out, nil
}
