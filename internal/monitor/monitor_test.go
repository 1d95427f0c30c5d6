package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fakeyudi/sessionwatch/internal/artifact"
	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
	"github.com/fakeyudi/sessionwatch/internal/transport"
)

const sid = "ses_a"

// fakeStream replays chunks, then ends with io.EOF or blocks until aborted.
type fakeStream struct {
	chunks  [][]byte
	block   bool
	aborted chan struct{}
	once    sync.Once
}

func newFakeStream(block bool, chunks ...string) *fakeStream {
	s := &fakeStream{block: block, aborted: make(chan struct{})}
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	return s
}

func (s *fakeStream) Next() ([]byte, error) {
	select {
	case <-s.aborted:
		return nil, transport.ErrAborted
	default:
	}
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.block {
		<-s.aborted
		return nil, transport.ErrAborted
	}
	return nil, io.EOF
}

func (s *fakeStream) Abort() {
	s.once.Do(func() { close(s.aborted) })
}

func (s *fakeStream) wasAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

// fixedClock returns a clock that ticks 250ms per reading from a fixed start.
func fixedClock() func() time.Time {
	t := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(250 * time.Millisecond)
		return t
	}
}

func frame(typ string, props map[string]any) string {
	b, err := json.Marshal(map[string]any{"type": typ, "properties": props})
	if err != nil {
		panic(err)
	}
	return "data: " + string(b) + "\n"
}

func toolFrame(sess, id, tool, status string, state map[string]any) string {
	st := map[string]any{"status": status}
	for k, v := range state {
		st[k] = v
	}
	return frame("message.part.updated", map[string]any{
		"part": map[string]any{
			"id": id, "sessionID": sess, "messageID": "msg_1",
			"type": "tool", "tool": tool, "state": st,
		},
	})
}

func textFrame(sess, id, kind, text string, delta any) string {
	props := map[string]any{
		"part": map[string]any{"id": id, "sessionID": sess, "messageID": "msg_1", "type": kind, "text": text},
	}
	if delta != nil {
		props["delta"] = delta
	}
	return frame("message.part.updated", props)
}

func messageFrame(sess, id string, input, output int64) string {
	return frame("message.updated", map[string]any{
		"info": map[string]any{
			"id": id, "sessionID": sess, "role": "assistant",
			"time":   map[string]any{"created": 1, "completed": 2},
			"tokens": map[string]any{"input": input, "output": output, "reasoning": 0, "cache": map[string]any{"read": 0, "write": 0}},
		},
	})
}

func idleFrame(sess string) string {
	return frame("session.idle", map[string]any{"sessionID": sess})
}

func errorFrame(sess, message string) string {
	props := map[string]any{"sessionID": sess}
	if message != "" {
		props["error"] = map[string]any{"name": "APIError", "data": map[string]any{"message": message}}
	}
	return frame("session.error", props)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func watchStream(t *testing.T, s *fakeStream, opts ...Option) (*Result, string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	base := []Option{
		WithLogPath(path),
		WithClock(fixedClock()),
		WithLogger(quietLogger()),
		WithOpener(func(context.Context) (transport.Stream, error) { return s, nil }),
	}
	res, err := Watch(context.Background(), sid, append(base, opts...)...)
	return res, path, err
}

func readLog(t *testing.T, path string) *session.Log {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	l, err := (&artifact.JSONParser{}).Parse(data)
	require.NoError(t, err)
	return l
}

func entriesOf(l *session.Log, kind session.EntryKind) []session.Entry {
	var out []session.Entry
	for _, e := range l.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestWatch_LateToolOutput(t *testing.T) {
	s := newFakeStream(true,
		toolFrame(sid, "prt_1", "bash", "running", map[string]any{"input": map[string]any{"command": "echo ok"}}),
		toolFrame(sid, "prt_1", "bash", "completed", map[string]any{"output": nil}),
		toolFrame(sid, "prt_1", "bash", "completed", map[string]any{"output": "ok"}),
		idleFrame(sid),
	)
	res, path, err := watchStream(t, s)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, session.Stats{ToolCount: 1, BashCount: 1}, res.Stats)
	assert.Equal(t, path, res.LogPath)
	assert.Greater(t, res.Duration, 0.0)
	assert.True(t, s.wasAborted(), "stream must be aborted on idle")

	l := readLog(t, path)
	tools := entriesOf(l, session.KindTool)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].Output)
	assert.Equal(t, "ok", *tools[0].Output)

	term := l.Terminal()
	require.NotNil(t, term)
	assert.Equal(t, session.KindSummary, term.Kind)
	assert.Equal(t, 1, term.Totals.ToolEntries)
}

func TestWatch_MessageTokensCountedOnce(t *testing.T) {
	s := newFakeStream(false,
		messageFrame(sid, "m1", 120, 30),
		messageFrame(sid, "m1", 120, 30),
		messageFrame(sid, "m1", 120, 30),
		idleFrame(sid),
	)
	res, _, err := watchStream(t, s)
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.Tokens.Input)
	assert.Equal(t, int64(30), res.Tokens.Output)
}

func TestWatch_StreamEndedUnexpectedly(t *testing.T) {
	s := newFakeStream(false, toolFrame(sid, "prt_1", "bash", "running", nil))
	res, path, err := watchStream(t, s)

	require.ErrorIs(t, err, ErrStreamEnded)
	assert.Nil(t, res)
	var serr *SessionError
	assert.False(t, errors.As(err, &serr), "stream end is not a server-reported failure")

	term := readLog(t, path).Terminal()
	require.NotNil(t, term)
	assert.Equal(t, session.KindError, term.Kind)
	assert.Equal(t, "stream ended unexpectedly", term.Message)
	assert.Equal(t, 1, term.Totals.Stats.ToolCount)
}

func TestWatch_SessionError(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"with message", "rate limited", "rate limited"},
		{"fallback", "", "Unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStream(true, errorFrame(sid, tt.message))
			_, path, err := watchStream(t, s)

			var serr *SessionError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.want, serr.Message)
			assert.Equal(t, tt.want, err.Error())
			assert.True(t, s.wasAborted())

			term := readLog(t, path).Terminal()
			require.NotNil(t, term)
			assert.Equal(t, session.KindError, term.Kind)
			assert.Equal(t, tt.want, term.Message)
		})
	}
}

func TestWatch_IgnoresOtherSessions(t *testing.T) {
	s := newFakeStream(true,
		toolFrame("ses_b", "prt_b1", "bash", "running", nil),
		toolFrame(sid, "prt_a1", "read", "running", nil),
		messageFrame("ses_b", "m_b", 999, 999),
		toolFrame("ses_b", "prt_b1", "bash", "completed", map[string]any{"output": "from b"}),
		textFrame("ses_b", "prt_b2", "text", "session b text", nil),
		toolFrame(sid, "prt_a1", "read", "completed", map[string]any{"output": "from a"}),
		errorFrame("ses_b", "b failed"),
		idleFrame("ses_b"),
		messageFrame(sid, "m_a", 5, 6),
		idleFrame(sid),
	)
	res, path, err := watchStream(t, s)
	require.NoError(t, err)

	assert.Equal(t, session.Stats{ToolCount: 1, FileOps: 1}, res.Stats)
	assert.Equal(t, int64(5), res.Tokens.Input)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, trace := range []string{"ses_b", "prt_b1", "prt_b2", "from b", "session b text", "b failed"} {
		assert.NotContains(t, string(data), trace)
	}
}

func TestWatch_Deterministic(t *testing.T) {
	frames := []string{
		"data: {not json}\n",
		frame("server.connected", map[string]any{}),
		textFrame(sid, "prt_t", "reasoning", "Let me", "Let me"),
		textFrame(sid, "prt_t", "reasoning", "Let me look.", nil),
		toolFrame(sid, "prt_1", "grep", "running", map[string]any{"input": map[string]any{"pattern": "TODO", "path": "."}}),
		toolFrame(sid, "prt_1", "grep", "completed", map[string]any{"output": "a.go:1"}),
		frame("permission.updated", map[string]any{"sessionID": sid, "id": "per_1", "title": "Run rm", "pattern": []string{"rm", "-rf"}}),
		frame("todo.updated", map[string]any{"sessionID": sid, "todos": []map[string]any{{"content": "fix", "status": "in_progress"}}}),
		messageFrame(sid, "m1", 10, 20),
		textFrame(sid, "prt_x", "text", "Done.", ""),
		idleFrame(sid),
	}
	run := func() []byte {
		s := newFakeStream(true, frames...)
		_, path, err := watchStream(t, s)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	first, second := run(), run()
	assert.Equal(t, string(first), string(second))
	assert.Contains(t, string(first), `"pattern": "rm -rf"`)
}

// Feature: sessionwatch, Property 6: Chunk boundaries never change the artifact
func TestWatch_ChunkingInvariance(t *testing.T) {
	stream := strings.Join([]string{
		toolFrame(sid, "prt_1", "bash", "running", nil),
		toolFrame(sid, "prt_1", "bash", "completed", map[string]any{"output": ""}),
		textFrame(sid, "prt_t", "text", "hello", nil),
		messageFrame(sid, "m1", 1, 2),
	}, "") + strings.TrimSuffix(idleFrame(sid), "\n")

	render := func(t *testing.T, chunks []string) []byte {
		s := newFakeStream(false, chunks...)
		_, path, err := watchStream(t, s)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}
	want := render(t, []string{stream})

	rapid.Check(t, func(rt *rapid.T) {
		cuts := rapid.SliceOfDistinct(rapid.IntRange(1, len(stream)-1), rapid.ID[int]).Draw(rt, "cuts")
		var chunks []string
		prev := 0
		slices.Sort(cuts)
		for _, c := range cuts {
			chunks = append(chunks, stream[prev:c])
			prev = c
		}
		chunks = append(chunks, stream[prev:])

		if got := render(t, chunks); !bytes.Equal(got, want) {
			rt.Fatalf("artifact differs for chunks %q", chunks)
		}
	})
}

func TestWatch_EmptyBashOutputInLog(t *testing.T) {
	s := newFakeStream(false,
		toolFrame(sid, "prt_1", "bash", "running", nil),
		toolFrame(sid, "prt_1", "bash", "completed", map[string]any{
			"output": "", "metadata": map[string]any{"exit": 0},
		}),
		idleFrame(sid),
	)
	_, path, err := watchStream(t, s)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"output": ""`)
}

func TestWatch_TerminalResolvesOnce(t *testing.T) {
	// Everything after idle in the same chunk is never dispatched.
	s := newFakeStream(false, idleFrame(sid)+errorFrame(sid, "late")+toolFrame(sid, "prt_9", "bash", "running", nil))
	res, path, err := watchStream(t, s)
	require.NoError(t, err)
	assert.True(t, res.Success)

	l := readLog(t, path)
	assert.Len(t, l.Entries, 1)
	assert.Equal(t, session.KindSummary, l.Entries[0].Kind)
}

func TestWatch_Progress(t *testing.T) {
	var got []notify.Notification
	s := newFakeStream(false,
		toolFrame(sid, "p1", "bash", "running", nil),
		toolFrame(sid, "p2", "bash", "running", nil),
		textFrame(sid, "t1", "text", "th", "th"),
		textFrame(sid, "t1", "text", "thinking", "inking"),
		toolFrame(sid, "p3", "edit", "running", nil),
		frame("todo.updated", map[string]any{"sessionID": sid, "todos": []map[string]any{
			{"content": "a", "status": "completed"}, {"content": "b", "status": "in_progress"},
		}}),
		idleFrame(sid),
	)
	_, _, err := watchStream(t, s, WithProgress(func(n notify.Notification) { got = append(got, n) }))
	require.NoError(t, err)

	assert.Equal(t, []notify.Notification{
		{Kind: notify.KindBash, Count: 1},
		{Kind: notify.KindThinking},
		{Kind: notify.KindFile, Tool: "edit", Count: 1},
		{Kind: notify.KindTodo, Count: 2, Title: "b"},
	}, got)
}

func TestWatch_Timeout(t *testing.T) {
	s := newFakeStream(true, toolFrame(sid, "prt_1", "bash", "running", nil))
	path := filepath.Join(t.TempDir(), "run.json")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Watch(ctx, sid,
		WithLogPath(path),
		WithLogger(quietLogger()),
		WithOpener(func(context.Context) (transport.Stream, error) { return s, nil }),
	)

	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.wasAborted())

	term := readLog(t, path).Terminal()
	require.NotNil(t, term)
	assert.Equal(t, session.KindError, term.Kind)
}

func TestWatch_Canceled(t *testing.T) {
	s := newFakeStream(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Watch(ctx, sid,
		WithLogPath(filepath.Join(t.TempDir(), "run.json")),
		WithLogger(quietLogger()),
		WithOpener(func(context.Context) (transport.Stream, error) { return s, nil }),
	)
	require.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWatch_OpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	_, err := Watch(context.Background(), sid,
		WithServerURL("http://127.0.0.1:1"),
		WithLogPath(path),
		WithLogger(quietLogger()),
	)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
	assert.True(t, strings.HasSuffix(terr.Target, "/event"))

	// The failure is still recorded.
	term := readLog(t, path).Terminal()
	require.NotNil(t, term)
	assert.Equal(t, session.KindError, term.Kind)
}

func TestWatch_RequiresSessionID(t *testing.T) {
	_, err := Watch(context.Background(), "")
	require.Error(t, err)
}

func TestWatch_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range []string{
			frame("server.connected", map[string]any{}),
			toolFrame(sid, "prt_1", "write", "running", nil),
			toolFrame(sid, "prt_1", "write", "completed", map[string]any{"output": "wrote"}),
			idleFrame(sid),
		} {
			io.WriteString(w, f)
			flusher.Flush()
		}
		// Hold the stream open until the client aborts.
		<-r.Context().Done()
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "logs", "run.yaml")
	res, err := Watch(context.Background(), sid,
		WithServerURL(srv.URL+"/"),
		WithHeader("X-Token", "secret"),
		WithLogPath(path),
		WithEncoder(&artifact.YAMLRenderer{}),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	assert.Equal(t, session.Stats{ToolCount: 1, FileOps: 1}, res.Stats)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	l, err := (&artifact.YAMLParser{}).Parse(data)
	require.NoError(t, err)
	assert.Equal(t, sid, l.SessionID)
	require.NotNil(t, l.Terminal())
	assert.Equal(t, session.KindSummary, l.Terminal().Kind)
}

func TestResultJSONIsCamelCase(t *testing.T) {
	res := Result{
		Success:  true,
		Duration: 1.5,
		Stats:    session.Stats{ToolCount: 3, BashCount: 1, FileOps: 2},
		Tokens:   session.TokenUsage{Input: 10, Output: 5, CacheRead: 7, CacheWrite: 1},
		LogPath:  "ses_a.json",
	}
	data, err := json.Marshal(&res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"success": true,
		"duration": 1.5,
		"stats": {"toolCount": 3, "bashCount": 1, "fileOps": 2},
		"tokens": {"input": 10, "output": 5, "reasoning": 0, "cacheRead": 7, "cacheWrite": 1},
		"logPath": "ses_a.json"
	}`, string(data))
}
