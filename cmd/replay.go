package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/sessionwatch/internal/monitor"
	"github.com/fakeyudi/sessionwatch/internal/transport"
)

var (
	replayOut        outputFlags
	replaySession    string
	replayFollow     bool
	replayClockStart string
)

// steppingClock starts at t0 and advances by step on every reading. Replays
// driven by it produce byte-identical logs.
func steppingClock(t0 time.Time, step time.Duration) func() time.Time {
	now := t0
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Rebuild a session log from a captured /event stream",
	Long: `Replay reads raw SSE output saved from the opencode /event endpoint
(for example with curl -N) and folds it exactly as watch would.
With --follow the file is tailed until the session finishes.
With --clock-start timestamps come from a clock that starts at the given
instant and advances 1ms per reading, so replaying a capture twice writes
identical logs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}

		s, err := replayOut.resolve(GetConfig())
		if err != nil {
			return err
		}
		var opts []monitor.Option
		if replayClockStart != "" {
			t0, err := time.Parse(time.RFC3339, replayClockStart)
			if err != nil {
				return fmt.Errorf("invalid clock start %q: %w", replayClockStart, err)
			}
			opts = append(opts, monitor.WithClock(steppingClock(t0, time.Millisecond)))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		open := func(ctx context.Context) (transport.Stream, error) {
			fs, err := transport.OpenFile(ctx, path, replayFollow)
			if err != nil {
				return nil, err
			}
			return fs, nil
		}
		p := newPrinter(cmd.OutOrStdout(), false, replayOut)
		opts = append(opts, monitor.WithOpener(open))
		return s.watchOne(ctx, p, replaySession, opts...)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySession, "session", "", "session id to extract from the capture")
	replayCmd.Flags().BoolVar(&replayFollow, "follow", false, "keep reading as the capture grows")
	replayCmd.Flags().StringVar(&replayClockStart, "clock-start", "", "RFC 3339 start of a deterministic clock, e.g. 2026-01-01T00:00:00Z")
	_ = replayCmd.MarkFlagRequired("session")
	replayOut.register(replayCmd)
	rootCmd.AddCommand(replayCmd)
}
