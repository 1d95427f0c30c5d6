package session

import (
	"time"

	"github.com/google/uuid"
)

// LogVersion is the artifact schema version.
const LogVersion = 1

// runNamespace scopes run ids so they are stable for a given session id.
var runNamespace = uuid.MustParse("6f1c2a0e-3f57-4d2b-9a61-2b8f0d3c5e47")

// Run is the aggregate state of one monitored session.
type Run struct {
	SessionID string
	RunID     string
	StartedAt time.Time
	Stats     Stats
	Tokens    TokenUsage
	Log       []Entry
}

// NewRun starts a run for sessionID at startedAt.
func NewRun(sessionID string, startedAt time.Time) *Run {
	return &Run{
		SessionID: sessionID,
		RunID:     uuid.NewSHA1(runNamespace, []byte(sessionID)).String(),
		StartedAt: startedAt,
		Log:       []Entry{},
	}
}

// Append adds e to the log and returns its index.
func (r *Run) Append(e Entry) int {
	r.Log = append(r.Log, e)
	return len(r.Log) - 1
}

// Amend replaces the entry at index i. Entries are never removed.
func (r *Run) Amend(i int, fn func(e *Entry)) {
	fn(&r.Log[i])
}

// Totals snapshots counters for a terminal entry.
func (r *Run) Totals(now time.Time, toolEntries int) *Totals {
	return &Totals{
		DurationSeconds: now.Sub(r.StartedAt).Seconds(),
		Stats:           r.Stats,
		Tokens:          r.Tokens,
		ToolEntries:     toolEntries,
	}
}

// Document returns the persisted form of the run.
func (r *Run) Document() *Log {
	return &Log{
		Version:   LogVersion,
		RunID:     r.RunID,
		SessionID: r.SessionID,
		StartedAt: r.StartedAt,
		Entries:   r.Log,
	}
}

// Stats counts tool invocations. Every tool lands in exactly one bucket:
// bash, file, or neither.
type Stats struct {
	ToolCount int `json:"tool_count" yaml:"tool_count"`
	BashCount int `json:"bash_count" yaml:"bash_count"`
	FileOps   int `json:"file_ops" yaml:"file_ops"`
}

// TokenUsage accumulates token counts. Counters only grow.
type TokenUsage struct {
	Input      int64 `json:"input" yaml:"input"`
	Output     int64 `json:"output" yaml:"output"`
	Reasoning  int64 `json:"reasoning" yaml:"reasoning"`
	CacheRead  int64 `json:"cache_read" yaml:"cache_read"`
	CacheWrite int64 `json:"cache_write" yaml:"cache_write"`
}

// Add folds other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}

// Total is input + output + reasoning.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.Reasoning
}

// EntryKind discriminates log entries.
type EntryKind string

const (
	KindToolStart  EntryKind = "tool_start"
	KindTool       EntryKind = "tool"
	KindText       EntryKind = "text"
	KindReasoning  EntryKind = "reasoning"
	KindPermission EntryKind = "permission"
	KindTodo       EntryKind = "todo"
	KindSummary    EntryKind = "summary"
	KindError      EntryKind = "error"
)

// Entry is one finalized log record.
type Entry struct {
	Kind      EntryKind `json:"kind" yaml:"kind"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	PartID    string    `json:"part_id,omitempty" yaml:"part_id,omitempty"`
	MessageID string    `json:"message_id,omitempty" yaml:"message_id,omitempty"`

	// tool_start and tool
	Tool       string  `json:"tool,omitempty" yaml:"tool,omitempty"`
	Category   string  `json:"category,omitempty" yaml:"category,omitempty"`
	Status     string  `json:"status,omitempty" yaml:"status,omitempty"`
	Title      string  `json:"title,omitempty" yaml:"title,omitempty"`
	Input      any     `json:"input,omitempty" yaml:"input,omitempty"`
	Output     *string `json:"output,omitempty" yaml:"output,omitempty"`
	Error      *string `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`

	// text and reasoning
	Content string      `json:"content,omitempty" yaml:"content,omitempty"`
	Tokens  *TokenUsage `json:"tokens,omitempty" yaml:"tokens,omitempty"`

	// permission and todo
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Todos   []Todo `json:"todos,omitempty" yaml:"todos,omitempty"`

	// summary and error
	Message string  `json:"message,omitempty" yaml:"message,omitempty"`
	Totals  *Totals `json:"totals,omitempty" yaml:"totals,omitempty"`
}

// Todo mirrors one todo item at the time of the update.
type Todo struct {
	Content string `json:"content" yaml:"content"`
	Status  string `json:"status" yaml:"status"`
}

// Totals is the counter snapshot carried by summary and error entries.
type Totals struct {
	DurationSeconds float64    `json:"duration_seconds" yaml:"duration_seconds"`
	Stats           Stats      `json:"stats" yaml:"stats"`
	Tokens          TokenUsage `json:"tokens" yaml:"tokens"`
	ToolEntries     int        `json:"tool_entries" yaml:"tool_entries"`
}

// Log is the persisted audit artifact: ordered entries with the summary or
// error entry last.
type Log struct {
	Version   int       `json:"version" yaml:"version"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Entries   []Entry   `json:"entries" yaml:"entries"`
}

// Terminal returns the trailing summary or error entry, if present.
func (l *Log) Terminal() *Entry {
	if len(l.Entries) == 0 {
		return nil
	}
	last := &l.Entries[len(l.Entries)-1]
	if last.Kind == KindSummary || last.Kind == KindError {
		return last
	}
	return nil
}
