// Package event models the payloads carried on the opencode /event stream.
//
// The server emits one JSON object per "data:" frame. Only the fields the
// aggregator reads are modelled; anything else is ignored by encoding/json.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kinds the aggregator understands. Unrecognised kinds are ignored.
const (
	KindServerConnected   = "server.connected"
	KindSessionCreated    = "session.created"
	KindSessionIdle       = "session.idle"
	KindSessionError      = "session.error"
	KindMessageUpdated    = "message.updated"
	KindPartUpdated       = "message.part.updated"
	KindPermissionUpdated = "permission.updated"
	KindTodoUpdated       = "todo.updated"
)

// Part types.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartTool      = "tool"
)

// Event is a single decoded stream event.
type Event struct {
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
}

// Properties holds the kind-specific payload. encoding/json matches keys
// case-insensitively, so SessionID also receives "sessionId".
type Properties struct {
	SessionID string       `json:"sessionID,omitempty"`
	Part      *Part        `json:"part,omitempty"`
	Delta     *string      `json:"delta,omitempty"`
	Info      *MessageInfo `json:"info,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`

	// permission.updated
	ID      string          `json:"id,omitempty"`
	Title   string          `json:"title,omitempty"`
	Pattern json.RawMessage `json:"pattern,omitempty"`

	// todo.updated
	Todos []Todo `json:"todos,omitempty"`
}

// Part is a snapshot of one streamed unit of agent output.
type Part struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID,omitempty"`
	SessionID string     `json:"sessionID,omitempty"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *ToolState `json:"state,omitempty"`
	Time      *TimeRange `json:"time,omitempty"`
	Tokens    *Tokens    `json:"tokens,omitempty"`

	// Top-level aliases some server versions use instead of state.*.
	Input  json.RawMessage `json:"input,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ToolState is the state block of a tool part.
type ToolState struct {
	Status   string                     `json:"status"`
	Input    json.RawMessage            `json:"input,omitempty"`
	Output   json.RawMessage            `json:"output,omitempty"`
	Error    json.RawMessage            `json:"error,omitempty"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
	Title    string                     `json:"title,omitempty"`
	Time     *TimeRange                 `json:"time,omitempty"`
}

// TimeRange holds millisecond epoch timestamps.
type TimeRange struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// MessageInfo is the message snapshot carried by message.updated. For
// session.* kinds the same key holds session info, where ID is the session id.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID,omitempty"`
	Role      string      `json:"role,omitempty"`
	Title     string      `json:"title,omitempty"`
	Time      MessageTime `json:"time"`
	Tokens    *Tokens     `json:"tokens,omitempty"`
	Cost      float64     `json:"cost,omitempty"`
}

// MessageTime records message lifecycle timestamps.
type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// Tokens is a token usage report.
type Tokens struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
	Cache     struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
}

// ErrorInfo is the error descriptor of session.error.
type ErrorInfo struct {
	Name string `json:"name,omitempty"`
	Data struct {
		Message string `json:"message,omitempty"`
	} `json:"data"`
}

// Todo is one entry of a todo.updated list.
type Todo struct {
	ID       string `json:"id,omitempty"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Parse decodes one frame payload.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("failed to parse event: missing type")
	}
	return &ev, nil
}

// Scoped reports whether events of this kind concern a single session.
func (e *Event) Scoped() bool {
	return strings.HasPrefix(e.Type, "session.") ||
		strings.HasPrefix(e.Type, "message.") ||
		e.Type == KindPermissionUpdated ||
		e.Type == KindTodoUpdated
}

// SessionID returns the session the event concerns, or "" if none is named.
func (e *Event) SessionID() string {
	p := e.Properties
	if p.SessionID != "" {
		return p.SessionID
	}
	if p.Part != nil && p.Part.SessionID != "" {
		return p.Part.SessionID
	}
	if p.Info != nil {
		if p.Info.SessionID != "" {
			return p.Info.SessionID
		}
		// On session.* kinds info is the session itself.
		if strings.HasPrefix(e.Type, "session.") {
			return p.Info.ID
		}
	}
	return ""
}

// ErrorMessage returns the human-readable message of a session.error event.
func (e *Event) ErrorMessage() string {
	if e.Properties.Error != nil && e.Properties.Error.Data.Message != "" {
		return e.Properties.Error.Data.Message
	}
	return "Unknown error"
}

// PatternText flattens the permission pattern, which is a string or a list.
func (e *Event) PatternText() string {
	raw := e.Properties.Pattern
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, " ")
	}
	return string(raw)
}

// IsFinal reports whether a text or reasoning update is the closing snapshot.
func (e *Event) IsFinal() bool {
	return e.Properties.Delta == nil || *e.Properties.Delta == ""
}
