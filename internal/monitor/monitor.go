// Package monitor watches one opencode session on the /event stream until it
// goes idle or fails, then writes the session log.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fakeyudi/sessionwatch/internal/artifact"
	"github.com/fakeyudi/sessionwatch/internal/event"
	"github.com/fakeyudi/sessionwatch/internal/metrics"
	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
	"github.com/fakeyudi/sessionwatch/internal/sse"
	"github.com/fakeyudi/sessionwatch/internal/telemetry"
	"github.com/fakeyudi/sessionwatch/internal/tracker"
	"github.com/fakeyudi/sessionwatch/internal/transport"
)

var (
	// ErrStreamEnded is returned when the stream closes before the session
	// reports idle or error.
	ErrStreamEnded = errors.New("stream ended unexpectedly")

	// ErrTimeout is returned when the caller's deadline passes first.
	ErrTimeout = errors.New("watch timed out")

	// ErrCanceled is returned when the caller cancels the watch.
	ErrCanceled = errors.New("watch canceled")
)

// SessionError is a failure reported by the server through session.error.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string {
	return e.Message
}

// Result describes a session that went idle. Its JSON form is camelCase
// throughout, unlike the snake_case log artifact.
type Result struct {
	Success  bool
	Duration float64 // seconds
	Stats    session.Stats
	Tokens   session.TokenUsage
	LogPath  string
}

type resultStats struct {
	ToolCount int `json:"toolCount"`
	BashCount int `json:"bashCount"`
	FileOps   int `json:"fileOps"`
}

type resultTokens struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning"`
	CacheRead  int64 `json:"cacheRead"`
	CacheWrite int64 `json:"cacheWrite"`
}

// MarshalJSON renders {success, duration, stats, tokens, logPath}.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Success  bool         `json:"success"`
		Duration float64      `json:"duration"`
		Stats    resultStats  `json:"stats"`
		Tokens   resultTokens `json:"tokens"`
		LogPath  string       `json:"logPath"`
	}{
		Success:  r.Success,
		Duration: r.Duration,
		Stats:    resultStats(r.Stats),
		Tokens:   resultTokens(r.Tokens),
		LogPath:  r.LogPath,
	})
}

type state int

const (
	stateActive state = iota
	stateSucceeded
	stateFailed
)

// watcher is the state of one Watch call. Everything runs on the calling
// goroutine.
type watcher struct {
	cfg   Config
	log   *slog.Logger
	run   *session.Run
	dec   *sse.Decoder
	agg   *metrics.Aggregator
	track *tracker.Tracker
	notes *notify.Deduper
	store session.Store

	state   state
	dropped int
}

// Watch consumes the event stream until the session identified by sessionID
// goes idle (success) or reports an error. The log is written to the
// configured path exactly once, whatever the outcome. Cancelling ctx or
// passing its deadline aborts the stream with ErrCanceled or ErrTimeout.
func Watch(ctx context.Context, sessionID string, opts ...Option) (*Result, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	cfg := Config{ServerURL: DefaultServerURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = &artifact.JSONRenderer{}
	}
	if cfg.LogPath == "" {
		cfg.LogPath = sessionID + ".json"
	}
	if cfg.Open == nil {
		cfg.Open = httpOpener(cfg)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "monitor.Watch",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	w := newWatcher(cfg, sessionID)
	res, err := w.watch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("sessionwatch.tool_count", res.Stats.ToolCount),
		attribute.Int64("sessionwatch.tokens.total", res.Tokens.Total()),
	)
	return res, nil
}

func httpOpener(cfg Config) Opener {
	url := strings.TrimRight(cfg.ServerURL, "/") + "/event"
	var hopts []transport.HTTPOption
	for k, v := range cfg.Headers {
		hopts = append(hopts, transport.WithHeader(k, v))
	}
	return func(ctx context.Context) (transport.Stream, error) {
		s, err := transport.OpenHTTP(ctx, url, hopts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newWatcher(cfg Config, sessionID string) *watcher {
	run := session.NewRun(sessionID, cfg.Clock())
	w := &watcher{
		cfg:   cfg,
		log:   cfg.Logger.With("session", sessionID),
		run:   run,
		dec:   sse.NewDecoder(),
		agg:   metrics.New(run, cfg.Meter),
		notes: notify.NewDeduper(cfg.Progress),
		store: session.NewFileStore(cfg.LogPath, cfg.Encoder),
	}
	w.track = tracker.New(run, w.agg, w.notes, cfg.Clock)
	return w
}

func (w *watcher) watch(ctx context.Context) (*Result, error) {
	w.log.Info("watching session", "log", w.cfg.LogPath)

	stream, err := w.cfg.Open(ctx)
	if err != nil {
		return nil, w.fail(ctx, w.streamErr(ctx, err))
	}
	defer stream.Abort()
	stop := context.AfterFunc(ctx, stream.Abort)
	defer stop()

	for {
		chunk, err := stream.Next()
		if len(chunk) > 0 {
			if res, done, rerr := w.fold(ctx, w.dec.Feed(chunk)); done {
				return res, rerr
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && ctx.Err() == nil {
			// The last frame may lack its newline.
			if res, done, rerr := w.fold(ctx, w.dec.Flush()); done {
				return res, rerr
			}
			return nil, w.fail(ctx, ErrStreamEnded)
		}
		return nil, w.fail(ctx, w.streamErr(ctx, err))
	}
}

// streamErr classifies a transport error. Caller cancellation wins over
// whatever the aborted connection reported.
func (w *watcher) streamErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case errors.Is(err, transport.ErrAborted):
		return ErrStreamEnded
	default:
		return fmt.Errorf("event stream: %w", err)
	}
}

// fold dispatches decoded events in order. done is true once the session
// reached a terminal state.
func (w *watcher) fold(ctx context.Context, events []*event.Event) (*Result, bool, error) {
	if d := w.dec.Dropped(); d > w.dropped {
		w.agg.FramesDropped(ctx, d-w.dropped)
		w.log.Debug("dropped malformed frames", "count", d-w.dropped)
		w.dropped = d
	}

	for _, ev := range events {
		if !ev.Scoped() {
			w.log.Debug("ignoring unscoped event", "type", ev.Type)
			continue
		}
		if ev.SessionID() != w.run.SessionID {
			continue
		}

		switch ev.Type {
		case event.KindPartUpdated:
			w.track.Apply(ctx, ev)
		case event.KindMessageUpdated:
			if w.agg.ObserveMessage(ctx, ev.Properties.Info) {
				w.log.Debug("counted message tokens", "message", ev.Properties.Info.ID)
			}
		case event.KindPermissionUpdated:
			w.permission(ev)
		case event.KindTodoUpdated:
			w.todos(ev)
		case event.KindSessionIdle:
			res, err := w.succeed()
			return res, true, err
		case event.KindSessionError:
			return nil, true, w.fail(ctx, &SessionError{Message: ev.ErrorMessage()})
		default:
			w.log.Debug("ignoring event", "type", ev.Type)
		}
	}
	return nil, false, nil
}

func (w *watcher) permission(ev *event.Event) {
	p := ev.Properties
	w.run.Append(session.Entry{
		Kind:      session.KindPermission,
		Timestamp: w.cfg.Clock(),
		PartID:    p.ID,
		Title:     p.Title,
		Pattern:   ev.PatternText(),
	})
	w.notes.Notify(notify.Notification{Kind: notify.KindPermission, Title: p.Title})
}

func (w *watcher) todos(ev *event.Event) {
	var (
		todos  []session.Todo
		active string
	)
	for _, t := range ev.Properties.Todos {
		todos = append(todos, session.Todo{Content: t.Content, Status: t.Status})
		if active == "" && t.Status == "in_progress" {
			active = t.Content
		}
	}
	w.run.Append(session.Entry{
		Kind:      session.KindTodo,
		Timestamp: w.cfg.Clock(),
		Todos:     todos,
	})
	w.notes.Notify(notify.Notification{Kind: notify.KindTodo, Count: len(todos), Title: active})
}

func (w *watcher) succeed() (*Result, error) {
	now := w.cfg.Clock()
	totals := w.run.Totals(now, w.track.FinalizedTools())
	w.run.Append(session.Entry{
		Kind:      session.KindSummary,
		Timestamp: now,
		Totals:    totals,
	})
	w.state = stateSucceeded

	if err := w.store.Save(w.run.Document()); err != nil {
		return nil, fmt.Errorf("session %s finished but %w", w.run.SessionID, err)
	}
	w.log.Info("session idle",
		"duration", fmt.Sprintf("%.1fs", totals.DurationSeconds),
		"tools", totals.Stats.ToolCount,
		"tokens", totals.Tokens.Total(),
	)
	return &Result{
		Success:  true,
		Duration: totals.DurationSeconds,
		Stats:    totals.Stats,
		Tokens:   totals.Tokens,
		LogPath:  w.store.Path(),
	}, nil
}

// fail records err as the terminal entry and saves the log. It runs at most
// once per watch; later calls return err untouched.
func (w *watcher) fail(ctx context.Context, err error) error {
	if w.state != stateActive {
		return err
	}
	w.state = stateFailed

	now := w.cfg.Clock()
	w.run.Append(session.Entry{
		Kind:      session.KindError,
		Timestamp: now,
		Message:   err.Error(),
		Totals:    w.run.Totals(now, w.track.FinalizedTools()),
	})
	if serr := w.store.Save(w.run.Document()); serr != nil {
		err = errors.Join(err, serr)
	}
	w.log.LogAttrs(ctx, slog.LevelWarn, "session failed", slog.String("error", err.Error()))
	return err
}
