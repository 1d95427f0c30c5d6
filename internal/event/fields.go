package event

import (
	"bytes"
	"encoding/json"
)

// Tool statuses. StatusError is what current servers send for a failed tool.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// The same logical value can arrive under several keys depending on the server
// version and the tool. Each resolver below walks a fixed candidate list and
// the first non-null candidate wins:
//
//	input:  part.input, part.args, state.input
//	output: state.output, part.output, then for bash only
//	        state.metadata.output, state.metadata.stdout, state.metadata.stderr
//	error:  state.error, part.error
//
// A present empty string is a value. Only absent and null keys fall through.

// Status returns the tool status, normalising "error" to "failed".
func (p *Part) Status() string {
	if p.State == nil {
		return ""
	}
	if p.State.Status == StatusError {
		return StatusFailed
	}
	return p.State.Status
}

// ResolveInput returns the decoded tool input, or nil when none is present.
func (p *Part) ResolveInput() any {
	candidates := []json.RawMessage{p.Input, p.Args}
	if p.State != nil {
		candidates = append(candidates, p.State.Input)
	}
	for _, raw := range candidates {
		if isNull(raw) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return nil
}

// ResolveOutput returns the tool output. A nil result means no output field
// was present; a pointer to "" means the tool succeeded with no output.
func (p *Part) ResolveOutput() *string {
	var candidates []json.RawMessage
	if p.State != nil {
		candidates = append(candidates, p.State.Output)
	}
	candidates = append(candidates, p.Output)
	if p.Tool == "bash" && p.State != nil && p.State.Metadata != nil {
		md := p.State.Metadata
		candidates = append(candidates, md["output"], md["stdout"], md["stderr"])
	}
	return firstText(candidates)
}

// ResolveError returns the tool error text, or nil when none is present.
func (p *Part) ResolveError() *string {
	var candidates []json.RawMessage
	if p.State != nil {
		candidates = append(candidates, p.State.Error)
	}
	candidates = append(candidates, p.Error)
	return firstText(candidates)
}

func firstText(candidates []json.RawMessage) *string {
	for _, raw := range candidates {
		if s, ok := text(raw); ok {
			return &s
		}
	}
	return nil
}

// text renders a raw value as a string. Non-string values keep their compact
// JSON form.
func text(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
