package repo

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// LifecycleEntry is one append-only state transition on a match record.
type LifecycleEntry struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// TranscriptEntry is one message observed by the referee for a match.
type TranscriptEntry struct {
	Seq         int    `json:"seq"`
	Timestamp   string `json:"timestamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	MessageType string `json:"message_type"`
}

// MatchRecord is the audit trail for one match, file match_<id>.json.
type MatchRecord struct {
	MatchID    string               `json:"match_id"`
	RoundID    string               `json:"round_id"`
	LeagueID   string               `json:"league_id"`
	GameType   string               `json:"game_type"`
	RefereeID  string               `json:"referee_id"`
	Players    map[string]string    `json:"players"` // PLAYER_A / PLAYER_B → player_id
	Lifecycle  []LifecycleEntry     `json:"lifecycle"`
	Transcript []TranscriptEntry    `json:"transcript"`
	Result     *protocol.GameResult `json:"result"`
}

// MatchRepo owns <data_dir>/matches/<league_id>/match_*.json.
type MatchRepo struct {
	mu      sync.Mutex
	dataDir string
}

func NewMatchRepo(dataDir, leagueID string) *MatchRepo {
	return &MatchRepo{dataDir: filepath.Join(dataDir, "matches", leagueID)}
}

func (r *MatchRepo) matchPath(matchID string) string {
	return filepath.Join(r.dataDir, "match_"+matchID+".json")
}

// Create writes the initial record with a CREATED lifecycle entry.
func (r *MatchRepo) Create(matchID, roundID, leagueID, gameType, refereeID, playerA, playerB string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := MatchRecord{
		MatchID:   matchID,
		RoundID:   roundID,
		LeagueID:  leagueID,
		GameType:  gameType,
		RefereeID: refereeID,
		Players: map[string]string{
			string(protocol.MatchRoleA): playerA,
			string(protocol.MatchRoleB): playerB,
		},
		Lifecycle: []LifecycleEntry{{
			State:     "CREATED",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
		Transcript: []TranscriptEntry{},
	}
	return writeJSON(r.matchPath(matchID), rec)
}

// Load returns the record for one match.
func (r *MatchRepo) Load(matchID string) (MatchRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(matchID)
}

func (r *MatchRepo) loadLocked(matchID string) (MatchRecord, bool, error) {
	var rec MatchRecord
	found, err := readJSON(r.matchPath(matchID), &rec)
	return rec, found, err
}

func (r *MatchRepo) mutate(matchID string, fn func(*MatchRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, found, err := r.loadLocked(matchID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("match %s not found", matchID)
	}
	fn(&rec)
	return writeJSON(r.matchPath(matchID), rec)
}

// AddTransition appends a lifecycle entry.
func (r *MatchRepo) AddTransition(matchID, state string) error {
	return r.mutate(matchID, func(rec *MatchRecord) {
		rec.Lifecycle = append(rec.Lifecycle, LifecycleEntry{
			State:     state,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// AddTranscript appends a transcript entry with the next sequence number.
func (r *MatchRepo) AddTranscript(matchID, from, to, messageType string) error {
	return r.mutate(matchID, func(rec *MatchRecord) {
		rec.Transcript = append(rec.Transcript, TranscriptEntry{
			Seq:         len(rec.Transcript) + 1,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			From:        from,
			To:          to,
			MessageType: messageType,
		})
	})
}

// SaveResult stores the terminal result.
func (r *MatchRepo) SaveResult(matchID string, result protocol.GameResult) error {
	return r.mutate(matchID, func(rec *MatchRecord) {
		rec.Result = &result
	})
}
