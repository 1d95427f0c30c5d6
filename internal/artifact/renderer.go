package artifact

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fakeyudi/sessionwatch/internal/session"
)

// Renderer serializes a session log to bytes.
type Renderer interface {
	Render(l *session.Log) ([]byte, error)
}

// JSONRenderer renders a log as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(l *session.Log) ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// YAMLRenderer renders a log as YAML.
type YAMLRenderer struct{}

func (r *YAMLRenderer) Render(l *session.Log) ([]byte, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("marshal log: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal log: %w", err)
	}
	return []byte(sb.String()), nil
}

// MarkdownRenderer renders a log as a human-readable report with an embedded
// base64 JSON payload for lossless round-trip parsing.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(l *session.Log) ([]byte, error) {
	jsonBytes, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal log: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder

	// Sentinel and embedded payload.
	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	fmt.Fprintf(&sb, "# Session %s\n\n", l.SessionID)

	// ## Outcome
	sb.WriteString("## Outcome\n\n")
	fmt.Fprintf(&sb, "- Started: %s\n", l.StartedAt.Format("2006-01-02 15:04:05 MST"))
	term := l.Terminal()
	switch {
	case term == nil:
		sb.WriteString("- Result: incomplete\n")
	case term.Kind == session.KindSummary:
		sb.WriteString("- Result: success\n")
	default:
		fmt.Fprintf(&sb, "- Result: failed: %s\n", term.Message)
	}
	if term != nil && term.Totals != nil {
		t := term.Totals
		fmt.Fprintf(&sb, "- Duration: %.1fs\n", t.DurationSeconds)
		fmt.Fprintf(&sb, "- Tools: %d (bash %d, file %d), %d finalized\n",
			t.Stats.ToolCount, t.Stats.BashCount, t.Stats.FileOps, t.ToolEntries)
		fmt.Fprintf(&sb, "- Tokens: input %d, output %d, reasoning %d, cache read %d, cache write %d\n",
			t.Tokens.Input, t.Tokens.Output, t.Tokens.Reasoning, t.Tokens.CacheRead, t.Tokens.CacheWrite)
	}
	sb.WriteString("\n")

	// ## Tools
	sb.WriteString("## Tools\n\n")
	tools := 0
	for _, e := range l.Entries {
		if e.Kind != session.KindTool {
			continue
		}
		if tools == 0 {
			sb.WriteString("| Time | Tool | Status | Duration |\n")
			sb.WriteString("|------|------|--------|----------|\n")
		}
		tools++
		fmt.Fprintf(&sb, "| %s | %s | %s | %dms |\n",
			e.Timestamp.Format("15:04:05"), e.Tool, e.Status, e.DurationMs)
	}
	if tools == 0 {
		sb.WriteString("_No tool calls recorded._\n")
	}
	sb.WriteString("\n")

	// ## Transcript
	sb.WriteString("## Transcript\n\n")
	wrote := false
	for _, e := range l.Entries {
		switch e.Kind {
		case session.KindText:
			fmt.Fprintf(&sb, "%s\n\n", strings.TrimSpace(e.Content))
		case session.KindReasoning:
			fmt.Fprintf(&sb, "> %s\n\n", strings.ReplaceAll(strings.TrimSpace(e.Content), "\n", "\n> "))
		case session.KindTool:
			fmt.Fprintf(&sb, "**%s** (%s)\n\n", e.Tool, e.Status)
			if e.Output != nil && *e.Output != "" {
				sb.WriteString("```\n")
				sb.WriteString(*e.Output)
				if !strings.HasSuffix(*e.Output, "\n") {
					sb.WriteString("\n")
				}
				sb.WriteString("```\n\n")
			}
			if e.Error != nil {
				fmt.Fprintf(&sb, "Error: %s\n\n", *e.Error)
			}
		case session.KindPermission:
			fmt.Fprintf(&sb, "_Permission requested: %s %s_\n\n", e.Title, e.Pattern)
		default:
			continue
		}
		wrote = true
	}
	if !wrote {
		sb.WriteString("_Nothing recorded._\n\n")
	}

	return []byte(sb.String()), nil
}
