// Package tracker reconstructs tool, text and reasoning parts from the
// message.part.updated events of one session and turns them into log entries.
package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/fakeyudi/sessionwatch/internal/event"
	"github.com/fakeyudi/sessionwatch/internal/metrics"
	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
)

// Status ranks. A tool part only ever moves to a higher rank; once final it
// stays final.
const (
	rankUnknown = iota - 1
	rankPending
	rankRunning
	rankFinal
)

func rank(status string) int {
	switch status {
	case event.StatusPending:
		return rankPending
	case event.StatusRunning:
		return rankRunning
	case event.StatusCompleted, event.StatusFailed:
		return rankFinal
	default:
		return rankUnknown
	}
}

// toolPart is the in-flight state of one tool invocation.
type toolPart struct {
	name      string
	started   bool
	startedAt time.Time
	input     any
	output    *string // last output seen before the part was final
	errText   *string
	entry     int // index of the tool entry, -1 until finalized
}

// Tracker owns every part of one run. It is driven from a single goroutine.
type Tracker struct {
	run   *session.Run
	agg   *metrics.Aggregator
	notes *notify.Deduper
	now   func() time.Time

	tools     map[string]*toolPart
	texts     map[string]int // part id to entry index
	finalized int
}

// New returns a Tracker appending to run. A nil clock uses time.Now.
func New(run *session.Run, agg *metrics.Aggregator, notes *notify.Deduper, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		run:   run,
		agg:   agg,
		notes: notes,
		now:   clock,
		tools: make(map[string]*toolPart),
		texts: make(map[string]int),
	}
}

// FinalizedTools returns the number of tool entries written so far.
func (t *Tracker) FinalizedTools() int {
	return t.finalized
}

// Apply folds one message.part.updated event into the run. Events for other
// sessions and part types other than tool, text and reasoning are ignored.
func (t *Tracker) Apply(ctx context.Context, ev *event.Event) {
	if ev.Type != event.KindPartUpdated || ev.SessionID() != t.run.SessionID {
		return
	}
	part := ev.Properties.Part
	if part == nil || part.ID == "" {
		return
	}
	switch part.Type {
	case event.PartTool:
		t.applyTool(ctx, part)
	case event.PartText, event.PartReasoning:
		t.applyText(part, ev.IsFinal())
	}
}

func (t *Tracker) applyTool(ctx context.Context, part *event.Part) {
	tp, ok := t.tools[part.ID]
	if !ok {
		tp = &toolPart{name: part.Tool, entry: -1}
		t.tools[part.ID] = tp
	}
	if tp.name == "" {
		tp.name = part.Tool
	}
	if in := part.ResolveInput(); in != nil {
		tp.input = in
	}

	if tp.entry < 0 && rank(part.Status()) != rankFinal {
		if out := part.ResolveOutput(); out != nil {
			tp.output = out
		}
		if e := part.ResolveError(); e != nil {
			tp.errText = e
		}
	}

	if tp.entry >= 0 {
		// Finalized: only newer detail is merged, status never moves.
		t.mergeFinal(tp, part)
		return
	}

	switch rank(part.Status()) {
	case rankRunning:
		t.start(ctx, tp, part, t.now())
	case rankFinal:
		// A completion seen before any running event starts the part now.
		now := t.now()
		t.start(ctx, tp, part, now)
		t.finalize(tp, part, now)
	}
}

func (t *Tracker) start(ctx context.Context, tp *toolPart, part *event.Part, now time.Time) {
	if tp.started {
		return
	}
	tp.started = true
	tp.startedAt = now

	cat := t.agg.CountTool(ctx, tp.name)
	n := notify.Notification{Kind: notify.Kind(cat)}
	switch cat {
	case metrics.CategoryBash:
		n.Count = t.run.Stats.BashCount
	case metrics.CategoryFile:
		n.Tool = tp.name
		n.Count = t.run.Stats.FileOps
	default:
		n.Tool = tp.name
	}
	t.notes.Notify(n)

	t.run.Append(session.Entry{
		Kind:      session.KindToolStart,
		Timestamp: tp.startedAt,
		PartID:    part.ID,
		MessageID: part.MessageID,
		Tool:      tp.name,
		Category:  string(cat),
		Status:    event.StatusRunning,
		Input:     tp.input,
	})
}

func (t *Tracker) finalize(tp *toolPart, part *event.Part, now time.Time) {
	e := session.Entry{
		Kind:       session.KindTool,
		Timestamp:  now,
		PartID:     part.ID,
		MessageID:  part.MessageID,
		Tool:       tp.name,
		Category:   string(metrics.Classify(tp.name)),
		Status:     part.Status(),
		Input:      tp.input,
		Output:     part.ResolveOutput(),
		Error:      part.ResolveError(),
		DurationMs: now.Sub(tp.startedAt).Milliseconds(),
	}
	// Output streamed while running survives a completion that omits it.
	if e.Output == nil {
		e.Output = tp.output
	}
	if e.Error == nil {
		e.Error = tp.errText
	}
	if part.State != nil {
		e.Title = part.State.Title
	}
	tp.entry = t.run.Append(e)
	t.finalized++
}

func (t *Tracker) mergeFinal(tp *toolPart, part *event.Part) {
	out := part.ResolveOutput()
	errText := part.ResolveError()
	title := ""
	if part.State != nil {
		title = part.State.Title
	}
	t.run.Amend(tp.entry, func(e *session.Entry) {
		if out != nil {
			e.Output = out
		}
		if errText != nil {
			e.Error = errText
		}
		if tp.input != nil {
			e.Input = tp.input
		}
		if title != "" {
			e.Title = title
		}
	})
}

func (t *Tracker) applyText(part *event.Part, final bool) {
	if !final {
		kind := notify.KindThinking
		if part.Type == event.PartReasoning {
			kind = notify.KindReasoning
		}
		t.notes.Notify(notify.Notification{Kind: kind})
		return
	}

	var tokens *session.TokenUsage
	if part.Tokens != nil {
		u := metrics.Usage(part.Tokens)
		tokens = &u
	}
	if strings.TrimSpace(part.Text) == "" && tokens == nil {
		return
	}

	if i, ok := t.texts[part.ID]; ok {
		t.run.Amend(i, func(e *session.Entry) {
			e.Content = part.Text
			if tokens != nil {
				e.Tokens = tokens
			}
		})
		return
	}

	kind := session.KindText
	if part.Type == event.PartReasoning {
		kind = session.KindReasoning
	}
	t.texts[part.ID] = t.run.Append(session.Entry{
		Kind:      kind,
		Timestamp: t.now(),
		PartID:    part.ID,
		MessageID: part.MessageID,
		Content:   part.Text,
		Tokens:    tokens,
	})
}
