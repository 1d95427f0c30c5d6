package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/sessionwatch/internal/artifact"
	"github.com/fakeyudi/sessionwatch/internal/config"
	"github.com/fakeyudi/sessionwatch/internal/monitor"
	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
)

var (
	idStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// outputFlags are shared by watch and replay. Empty values fall back to config.
type outputFlags struct {
	logDir  string
	format  string
	timeout string
	quiet   bool
	json    bool
}

func (f *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.logDir, "log-dir", "o", "", "directory for session logs (default from config)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "log format: json, yaml or markdown")
	cmd.Flags().StringVar(&f.timeout, "timeout", "", "give up after this long, e.g. 30m (0 for no limit)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress lines")
	cmd.Flags().BoolVar(&f.json, "json", false, "print one JSON result per session instead of text")
}

// settings is the resolved per-invocation configuration.
type settings struct {
	logDir  string
	ext     string
	enc     session.Encoder
	timeout time.Duration
}

func (f *outputFlags) resolve(c config.Config) (settings, error) {
	if f.logDir != "" {
		c.LogDir = f.logDir
	}
	if f.format != "" {
		c.DefaultFormat = f.format
	}
	if f.timeout != "" {
		c.Timeout = f.timeout
	}
	enc, ext, err := artifact.RendererFor(c.DefaultFormat)
	if err != nil {
		return settings{}, err
	}
	timeout, err := c.TimeoutDuration()
	if err != nil {
		return settings{}, err
	}
	return settings{logDir: c.LogDir, ext: ext, enc: enc, timeout: timeout}, nil
}

func (s settings) logPath(sessionID string) string {
	return filepath.Join(s.logDir, sessionID+s.ext)
}

// watchOne runs a monitor for id and reports the outcome on p.
func (s settings) watchOne(ctx context.Context, p *printer, id string, extra ...monitor.Option) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	path := s.logPath(id)
	opts := []monitor.Option{
		monitor.WithLogPath(path),
		monitor.WithEncoder(s.enc),
		monitor.WithProgress(p.progress(id)),
		monitor.WithLogger(logger),
	}
	res, err := monitor.Watch(ctx, id, append(opts, extra...)...)
	if err != nil {
		p.failed(id, path, err)
		return fmt.Errorf("session %s: %w", id, err)
	}
	p.done(id, res)
	return nil
}

var (
	watchOut     outputFlags
	watchServer  string
	watchHeaders []string
)

// headerOptions turns "Key: value" or "Key=value" pairs into monitor options.
func headerOptions(pairs []string) ([]monitor.Option, error) {
	var opts []monitor.Option
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			k, v, ok = strings.Cut(p, "=")
		}
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q (want Key: value)", p)
		}
		opts = append(opts, monitor.WithHeader(k, strings.TrimSpace(v)))
	}
	return opts, nil
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>...",
	Short: "Watch opencode sessions until they go idle and write a log for each",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seen := make(map[string]bool, len(args))
		for _, id := range args {
			if seen[id] {
				return fmt.Errorf("duplicate session id: %s", id)
			}
			seen[id] = true
		}

		c := GetConfig()
		if watchServer != "" {
			c.ServerURL = watchServer
		}
		s, err := watchOut.resolve(c)
		if err != nil {
			return err
		}
		opts, err := headerOptions(watchHeaders)
		if err != nil {
			return err
		}
		opts = append(opts, monitor.WithServerURL(c.ServerURL))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		p := newPrinter(cmd.OutOrStdout(), len(args) > 1, watchOut)
		var g errgroup.Group
		for _, id := range args {
			g.Go(func() error {
				return s.watchOne(ctx, p, id, opts...)
			})
		}
		return g.Wait()
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchServer, "server", "s", "", "opencode server URL (default from config)")
	watchCmd.Flags().StringArrayVarP(&watchHeaders, "header", "H", nil, "extra request header, e.g. \"Authorization: Bearer x\" (repeatable)")
	watchOut.register(watchCmd)
	rootCmd.AddCommand(watchCmd)
}

// printer writes progress and outcome lines. Monitors for several sessions
// share one printer, so writes are serialised.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix bool
	quiet  bool
	json   bool
}

// newPrinter writes to w. JSON mode implies quiet so w stays machine-readable.
func newPrinter(w io.Writer, prefix bool, f outputFlags) *printer {
	return &printer{w: w, prefix: prefix && !f.json, quiet: f.quiet || f.json, json: f.json}
}

// failure is the JSON line printed for a session that did not go idle.
type failure struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	LogPath   string `json:"logPath"`
}

func (p *printer) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, string(data))
}

func (p *printer) line(id, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefix {
		fmt.Fprintf(p.w, "%s  %s\n", idStyle.Render("["+id+"]"), msg)
		return
	}
	fmt.Fprintln(p.w, msg)
}

func (p *printer) progress(id string) notify.Func {
	if p.quiet {
		return nil
	}
	return func(n notify.Notification) {
		p.line(id, dimStyle.Render("  "+describeNotification(n)))
	}
}

func (p *printer) done(id string, res *monitor.Result) {
	if p.json {
		p.emit(res)
		return
	}
	p.line(id, fmt.Sprintf("%s %s idle after %.1fs  %d tools (%d bash, %d file)  %d tokens  %s",
		okStyle.Render("✓"), id, res.Duration,
		res.Stats.ToolCount, res.Stats.BashCount, res.Stats.FileOps,
		res.Tokens.Total(), dimStyle.Render("→ "+res.LogPath)))
}

func (p *printer) failed(id, path string, err error) {
	if p.json {
		p.emit(failure{SessionID: id, Error: err.Error(), LogPath: path})
		return
	}
	p.line(id, fmt.Sprintf("%s %s %v  %s", failStyle.Render("✗"), id, err, dimStyle.Render("→ "+path)))
}

func describeNotification(n notify.Notification) string {
	switch n.Kind {
	case notify.KindBash:
		return fmt.Sprintf("running bash (#%d)", n.Count)
	case notify.KindFile:
		return fmt.Sprintf("%s (file op #%d)", n.Tool, n.Count)
	case notify.KindTool:
		return "using " + n.Tool
	case notify.KindThinking:
		return "thinking…"
	case notify.KindReasoning:
		return "reasoning…"
	case notify.KindPermission:
		return "waiting for permission: " + n.Title
	case notify.KindTodo:
		if n.Title != "" {
			return fmt.Sprintf("todos updated (%d): %s", n.Count, n.Title)
		}
		return fmt.Sprintf("todos updated (%d)", n.Count)
	}
	return string(n.Kind)
}
