// Package metrics counts tool invocations and token usage for one session run.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fakeyudi/sessionwatch/internal/event"
	"github.com/fakeyudi/sessionwatch/internal/session"
	"github.com/fakeyudi/sessionwatch/internal/telemetry"
)

// Category is the bucket a tool is counted in.
type Category string

const (
	CategoryBash Category = "bash"
	CategoryFile Category = "file"
	CategoryTool Category = "tool"
)

var fileTools = map[string]bool{
	"read":      true,
	"write":     true,
	"edit":      true,
	"multiedit": true,
	"patch":     true,
	"list":      true,
	"glob":      true,
	"grep":      true,
}

// Classify maps a tool name to exactly one category.
func Classify(tool string) Category {
	switch {
	case tool == "bash":
		return CategoryBash
	case fileTools[tool]:
		return CategoryFile
	default:
		return CategoryTool
	}
}

// Aggregator folds tool starts and completed messages into a run's counters.
// It is not safe for concurrent use; one Aggregator serves one run.
type Aggregator struct {
	run  *session.Run
	seen map[string]bool

	tools   metric.Int64Counter
	tokens  metric.Int64Counter
	dropped metric.Int64Counter
}

// New returns an Aggregator writing into run. A nil meter uses the global
// provider.
func New(run *session.Run, meter metric.Meter) *Aggregator {
	if meter == nil {
		meter = telemetry.Meter()
	}
	a := &Aggregator{run: run, seen: make(map[string]bool)}
	// Instrument creation only fails on invalid names; the no-op fallback
	// keeps counting in the run either way.
	a.tools, _ = meter.Int64Counter("sessionwatch.tools",
		metric.WithDescription("Tool invocations by category"))
	a.tokens, _ = meter.Int64Counter("sessionwatch.tokens",
		metric.WithDescription("Tokens reported by completed assistant messages"))
	a.dropped, _ = meter.Int64Counter("sessionwatch.frames.dropped",
		metric.WithDescription("Stream frames that failed to parse"))
	return a
}

// CountTool records one tool start and returns its category.
func (a *Aggregator) CountTool(ctx context.Context, name string) Category {
	cat := Classify(name)
	a.run.Stats.ToolCount++
	switch cat {
	case CategoryBash:
		a.run.Stats.BashCount++
	case CategoryFile:
		a.run.Stats.FileOps++
	}
	if a.tools != nil {
		a.tools.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(cat))))
	}
	return cat
}

// ObserveMessage adds the tokens of a completed assistant message to the run
// the first time its id is seen. It reports whether the message was counted.
func (a *Aggregator) ObserveMessage(ctx context.Context, info *event.MessageInfo) bool {
	if info == nil || info.Role != "assistant" || info.Time.Completed == 0 || info.ID == "" {
		return false
	}
	if a.seen[info.ID] {
		return false
	}
	a.seen[info.ID] = true
	if info.Tokens == nil {
		return true
	}

	u := Usage(info.Tokens)
	a.run.Tokens.Add(u)
	if a.tokens != nil {
		for typ, n := range map[string]int64{
			"input":       u.Input,
			"output":      u.Output,
			"reasoning":   u.Reasoning,
			"cache_read":  u.CacheRead,
			"cache_write": u.CacheWrite,
		} {
			if n > 0 {
				a.tokens.Add(ctx, n, metric.WithAttributes(attribute.String("type", typ)))
			}
		}
	}
	return true
}

// FramesDropped records n frames the decoder discarded.
func (a *Aggregator) FramesDropped(ctx context.Context, n int) {
	if n > 0 && a.dropped != nil {
		a.dropped.Add(ctx, int64(n))
	}
}

// Usage converts a wire token report. A nil report is zero usage.
func Usage(t *event.Tokens) session.TokenUsage {
	if t == nil {
		return session.TokenUsage{}
	}
	return session.TokenUsage{
		Input:      t.Input,
		Output:     t.Output,
		Reasoning:  t.Reasoning,
		CacheRead:  t.Cache.Read,
		CacheWrite: t.Cache.Write,
	}
}
