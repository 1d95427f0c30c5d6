package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/sessionwatch/internal/artifact"
	"github.com/fakeyudi/sessionwatch/internal/config"
	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
)

// executeCommand runs a cobra command with the given args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err = root.ExecuteC()
	return buf.String(), err
}

// isolate points config lookups at an empty temp dir and resets flag values
// left over from earlier commands.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	for _, k := range []string{
		config.EnvServerURL, config.EnvOpencodeServer, config.EnvLogDir, config.EnvFormat,
		config.EnvTimeout, config.EnvLogLevel, config.EnvOTELEndpoint,
	} {
		t.Setenv(k, "")
	}
	t.Chdir(tmp)

	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	for _, c := range rootCmd.Commands() {
		reset(c.Flags())
	}
	return tmp
}

func sseFrame(typ string, props map[string]any) string {
	b, err := json.Marshal(map[string]any{"type": typ, "properties": props})
	if err != nil {
		panic(err)
	}
	return "data: " + string(b) + "\n\n"
}

// sessionFrames is a short bash session ending in idle.
func sessionFrames(sess string) []string {
	part := func(status string, extra map[string]any) string {
		state := map[string]any{"status": status, "input": map[string]any{"command": "ls"}}
		for k, v := range extra {
			state[k] = v
		}
		return sseFrame("message.part.updated", map[string]any{
			"part": map[string]any{
				"id": "prt_" + sess, "sessionID": sess, "messageID": "msg_" + sess,
				"type": "tool", "tool": "bash", "state": state,
			},
		})
	}
	return []string{
		part("running", nil),
		part("completed", map[string]any{"output": "go.mod\n"}),
		sseFrame("message.updated", map[string]any{
			"info": map[string]any{
				"id": "msg_" + sess, "sessionID": sess, "role": "assistant",
				"time":   map[string]any{"created": 1, "completed": 2},
				"tokens": map[string]any{"input": 100, "output": 50, "reasoning": 0},
			},
		}),
		sseFrame("session.idle", map[string]any{"sessionID": sess}),
	}
}

func writeCapture(t *testing.T, frames ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.sse")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(frames, "")), 0o644))
	return path
}

func readLogFile(t *testing.T, path string) *session.Log {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	l, err := artifact.ParserFor(path).Parse(data)
	require.NoError(t, err)
	return l
}

func TestReplayWritesLog(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_r")...)
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_r", "--log-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "running bash (#1)")
	assert.Contains(t, out, "ses_r idle after")
	assert.Contains(t, out, "1 tools (1 bash, 0 file)")
	assert.Contains(t, out, "150 tokens")

	l := readLogFile(t, filepath.Join(dir, "ses_r.json"))
	term := l.Terminal()
	require.NotNil(t, term)
	assert.Equal(t, session.KindSummary, term.Kind)
	assert.Equal(t, int64(100), term.Totals.Tokens.Input)
}

func TestReplayFormatAndQuiet(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_y")...)
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_y", "-o", dir, "--format", "yaml", "-q")
	require.NoError(t, err)
	assert.NotContains(t, out, "running bash")

	l := readLogFile(t, filepath.Join(dir, "ses_y.yaml"))
	assert.Equal(t, "ses_y", l.SessionID)
}

func TestReplayConfigDefaults(t *testing.T) {
	tmp := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, ".sessionwatchconfig"),
		[]byte(`{"log_dir": "logs", "default_format": "markdown"}`), 0o644))
	capture := writeCapture(t, sessionFrames("ses_m")...)

	_, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_m")
	require.NoError(t, err)

	l := readLogFile(t, filepath.Join(tmp, "logs", "ses_m.md"))
	assert.Equal(t, "ses_m", l.SessionID)
}

func TestReplayStreamEnded(t *testing.T) {
	isolate(t)
	frames := sessionFrames("ses_e")
	capture := writeCapture(t, frames[:2]...)
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_e", "-o", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream ended unexpectedly")
	assert.Contains(t, out, "✗ ses_e")

	l := readLogFile(t, filepath.Join(dir, "ses_e.json"))
	require.NotNil(t, l.Terminal())
	assert.Equal(t, session.KindError, l.Terminal().Kind)
}

func TestReplayErrors(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_x")...)

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"replay", "nope.sse", "--session", "ses_x"}, "file not found: nope.sse"},
		{"no session", []string{"replay", capture}, `required flag(s) "session" not set`},
		{"bad format", []string{"replay", capture, "--session", "ses_x", "--format", "toml"}, "unknown log format"},
		{"bad timeout", []string{"replay", capture, "--session", "ses_x", "--timeout", "soon"}, "invalid timeout"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			isolate(t)
			_, err := executeCommand(rootCmd, c.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestWatchMultipleSessions(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "text/event-stream")
		// Both sessions share the global stream; each watcher keeps its own.
		for _, f := range append(sessionFrames("ses_1"), sessionFrames("ses_2")...) {
			io.WriteString(w, f)
		}
	}))
	defer srv.Close()
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "watch", "ses_1", "ses_2", "--server", srv.URL, "-o", dir, "-H", "X-Token: secret")
	require.NoError(t, err)
	assert.Contains(t, out, "[ses_1]")
	assert.Contains(t, out, "[ses_2]")

	for _, id := range []string{"ses_1", "ses_2"} {
		l := readLogFile(t, filepath.Join(dir, id+".json"))
		assert.Equal(t, id, l.SessionID)
		require.NotNil(t, l.Terminal())
		assert.Equal(t, 1, l.Terminal().Totals.Stats.BashCount)
	}
}

func TestWatchServerUnavailable(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	dir := t.TempDir()

	_, err := executeCommand(rootCmd, "watch", "ses_down", "--server", srv.URL, "-o", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session ses_down")

	l := readLogFile(t, filepath.Join(dir, "ses_down.json"))
	assert.Equal(t, session.KindError, l.Terminal().Kind)
}

func TestWatchDuplicateIDs(t *testing.T) {
	isolate(t)
	_, err := executeCommand(rootCmd, "watch", "ses_1", "ses_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate session id: ses_1")
}

func TestHeaderOptions(t *testing.T) {
	opts, err := headerOptions([]string{"X-A: 1", "X-B=two", "X-C:"})
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	for _, bad := range []string{"novalue", ": x", "=x"} {
		_, err := headerOptions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestWatchRequiresID(t *testing.T) {
	isolate(t)
	_, err := executeCommand(rootCmd, "watch")
	require.Error(t, err)
}

func TestDescribeNotification(t *testing.T) {
	cases := []struct {
		n    notify.Notification
		want string
	}{
		{notify.Notification{Kind: notify.KindBash, Count: 3}, "running bash (#3)"},
		{notify.Notification{Kind: notify.KindFile, Tool: "edit", Count: 2}, "edit (file op #2)"},
		{notify.Notification{Kind: notify.KindTool, Tool: "webfetch"}, "using webfetch"},
		{notify.Notification{Kind: notify.KindThinking}, "thinking…"},
		{notify.Notification{Kind: notify.KindPermission, Title: "rm -rf"}, "waiting for permission: rm -rf"},
		{notify.Notification{Kind: notify.KindTodo, Count: 4, Title: "write tests"}, "todos updated (4): write tests"},
		{notify.Notification{Kind: notify.KindTodo, Count: 4}, "todos updated (4)"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, describeNotification(c.n))
	}
}

// jsonLines returns the output lines that hold JSON objects; log lines from
// the shared stderr buffer are skipped.
func jsonLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var objs []map[string]any
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		objs = append(objs, m)
	}
	return objs
}

func TestReplayJSONResult(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_j")...)
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_j", "-o", dir, "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "running bash", "json mode is quiet")

	objs := jsonLines(t, out)
	require.Len(t, objs, 1)
	assert.Equal(t, true, objs[0]["success"])
	assert.Equal(t, filepath.Join(dir, "ses_j.json"), objs[0]["logPath"])
	assert.Equal(t, map[string]any{"toolCount": 1.0, "bashCount": 1.0, "fileOps": 0.0}, objs[0]["stats"])
	tokens := objs[0]["tokens"].(map[string]any)
	assert.Equal(t, 100.0, tokens["input"])
	assert.Contains(t, tokens, "cacheRead")
}

func TestReplayJSONFailure(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_jf")[:1]...)
	dir := t.TempDir()

	out, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_jf", "-o", dir, "--json")
	require.Error(t, err)

	objs := jsonLines(t, out)
	require.Len(t, objs, 1)
	assert.Equal(t, false, objs[0]["success"])
	assert.Equal(t, "ses_jf", objs[0]["sessionId"])
	assert.Contains(t, objs[0]["error"], "stream ended unexpectedly")
}

func TestReplayClockStartIsDeterministic(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_d")...)

	var logs [][]byte
	for range 2 {
		dir := t.TempDir()
		_, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_d", "-o", dir,
			"--clock-start", "2026-01-01T00:00:00Z")
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, "ses_d.json"))
		require.NoError(t, err)
		logs = append(logs, data)
	}
	assert.Equal(t, string(logs[0]), string(logs[1]))
	assert.Contains(t, string(logs[0]), "2026-01-01T00:00:00")
}

func TestReplayRejectsBadClockStart(t *testing.T) {
	isolate(t)
	capture := writeCapture(t, sessionFrames("ses_c")...)

	_, err := executeCommand(rootCmd, "replay", capture, "--session", "ses_c", "-o", t.TempDir(),
		"--clock-start", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid clock start")
}
