// Package logging emits structured JSON Lines logs. Every entry is one JSON
// object per line with a fixed shape: timestamp, component, event_type,
// level, details. Sensitive attribute values are redacted before writing.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Redacted replaces any value whose key looks sensitive.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"auth_token": true,
	"password":   true,
	"secret":     true,
	"api_key":    true,
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	return strings.Contains(k, "token") || strings.Contains(k, "secret")
}

type entry struct {
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component"`
	EventType string         `json:"event_type"`
	Level     string         `json:"level"`
	Details   map[string]any `json:"details"`
}

// Handler is a slog.Handler that writes one JSONL entry per record. The
// record message is the event_type; attributes become the details object.
type Handler struct {
	mu        *sync.Mutex
	w         io.Writer
	component string
	level     slog.Level
	attrs     []slog.Attr
}

// NewHandler creates a JSONL handler for one component, e.g. "player:P01".
func NewHandler(w io.Writer, component string, level slog.Level) *Handler {
	return &Handler{
		mu:        &sync.Mutex{},
		w:         w,
		component: component,
		level:     level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	details := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		addAttr(details, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(details, a)
		return true
	})

	e := entry{
		Timestamp: r.Time.UTC().Format(time.RFC3339Nano),
		Component: h.component,
		EventType: r.Message,
		Level:     levelName(r.Level),
		Details:   details,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup flattens groups into key prefixes; the fixed entry shape has no
// room for nesting beyond details.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	clone.component = h.component
	clone.attrs = append(clone.attrs, slog.String("group", name))
	return &clone
}

func addAttr(details map[string]any, a slog.Attr) {
	if a.Key == "" {
		return
	}
	if isSensitive(a.Key) {
		details[a.Key] = Redacted
		return
	}
	details[a.Key] = a.Value.Resolve().Any()
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ============================================================================
// LOGGER CONSTRUCTION
// ============================================================================

// Options selects where a component's log lines go.
type Options struct {
	Dir      string // base log directory, e.g. "shared/logs"
	LeagueID string // routes league_manager logs under league/<id>/
	Level    slog.Level
	Mirror   io.Writer // optional second sink, usually os.Stderr
}

// New opens the component's JSONL log file and returns a logger writing to
// it. File layout follows the component kind: the manager logs under
// league/<league_id>/, agents under agents/<id>.log.jsonl.
func New(component string, opts Options) (*slog.Logger, func() error, error) {
	if opts.Dir == "" {
		opts.Dir = "shared/logs"
	}
	path := logPath(opts.Dir, component, opts.LeagueID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = f
	if opts.Mirror != nil {
		w = io.MultiWriter(f, opts.Mirror)
	}
	logger := slog.New(NewHandler(w, component, opts.Level))
	return logger, f.Close, nil
}

func logPath(dir, component, leagueID string) string {
	switch {
	case strings.HasPrefix(component, "league_manager"):
		if leagueID != "" {
			return filepath.Join(dir, "league", leagueID, "league.log.jsonl")
		}
		return filepath.Join(dir, "system", "league_manager.log.jsonl")
	case strings.Contains(component, ":"):
		agentID := component[strings.LastIndex(component, ":")+1:]
		return filepath.Join(dir, "agents", agentID+".log.jsonl")
	default:
		return filepath.Join(dir, "system", component+".log.jsonl")
	}
}

// MessageSent logs an outbound protocol message.
func MessageSent(l *slog.Logger, messageType, recipient string, attrs ...any) {
	args := append([]any{slog.String("message_type", messageType), slog.String("recipient", recipient)}, attrs...)
	l.Info("MESSAGE_SENT", args...)
}

// MessageReceived logs an inbound protocol message.
func MessageReceived(l *slog.Logger, messageType, sender string, attrs ...any) {
	args := append([]any{slog.String("message_type", messageType), slog.String("sender", sender)}, attrs...)
	l.Info("MESSAGE_RECEIVED", args...)
}

// StateChange logs a state machine transition.
func StateChange(l *slog.Logger, oldState, newState string, attrs ...any) {
	args := append([]any{slog.String("old_state", oldState), slog.String("new_state", newState)}, attrs...)
	l.Info("STATE_CHANGE", args...)
}
