package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/sessionwatch/internal/artifact"
	"github.com/fakeyudi/sessionwatch/internal/session"
	"github.com/fakeyudi/sessionwatch/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view <file>",
	Short: "View a session log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}

		l, err := artifact.ParserFor(path).Parse(data)
		if err != nil {
			return err
		}

		if plainOutput || !term.IsTerminal(os.Stdout.Fd()) {
			printLog(cmd.OutOrStdout(), l)
			return nil
		}
		return tui.Run(l, path)
	},
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "print plain text instead of the interactive viewer")
	rootCmd.AddCommand(viewCmd)
}

// printLog writes a plain-text rendering of l to w.
func printLog(w io.Writer, l *session.Log) {
	fmt.Fprintln(w, "## Summary")
	fmt.Fprintf(w, "  Session:   %s\n", l.SessionID)
	fmt.Fprintf(w, "  Run:       %s\n", l.RunID)
	fmt.Fprintf(w, "  Started:   %s\n", l.StartedAt.Format("2006-01-02 15:04:05 MST"))
	last := l.Terminal()
	switch {
	case last == nil:
		fmt.Fprintln(w, "  Result:    incomplete")
	case last.Kind == session.KindSummary:
		fmt.Fprintln(w, "  Result:    success")
	default:
		fmt.Fprintf(w, "  Result:    failed: %s\n", last.Message)
	}
	if last != nil && last.Totals != nil {
		t := last.Totals
		fmt.Fprintf(w, "  Duration:  %.1fs\n", t.DurationSeconds)
		fmt.Fprintf(w, "  Tools:     %d (%d bash, %d file)\n", t.Stats.ToolCount, t.Stats.BashCount, t.Stats.FileOps)
		fmt.Fprintf(w, "  Tokens:    %d in, %d out, %d reasoning\n", t.Tokens.Input, t.Tokens.Output, t.Tokens.Reasoning)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Tools")
	tools := 0
	for _, e := range l.Entries {
		if e.Kind != session.KindTool {
			continue
		}
		tools++
		fmt.Fprintf(w, "  [%s] %s %s (%dms)\n", e.Timestamp.Format("15:04:05"), e.Tool, e.Status, e.DurationMs)
		if e.Output != nil && *e.Output != "" {
			fmt.Fprintln(w, indent(strings.TrimRight(*e.Output, "\n"), "      "))
		}
		if e.Error != nil {
			fmt.Fprintf(w, "      error: %s\n", *e.Error)
		}
	}
	if tools == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Transcript")
	texts := 0
	for _, e := range l.Entries {
		switch e.Kind {
		case session.KindText:
			fmt.Fprintln(w, indent(strings.TrimSpace(e.Content), "  "))
		case session.KindReasoning:
			fmt.Fprintln(w, indent(strings.TrimSpace(e.Content), "  > "))
		default:
			continue
		}
		texts++
	}
	if texts == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Timeline")
	for _, e := range l.Entries {
		fmt.Fprintf(w, "  %s  %-10s  %s\n", e.Timestamp.Format("15:04:05"), e.Kind, timelineLabel(e))
	}
}

func timelineLabel(e session.Entry) string {
	switch e.Kind {
	case session.KindToolStart, session.KindTool:
		return strings.TrimSpace(e.Tool + " " + e.Status)
	case session.KindPermission:
		return strings.TrimSpace(e.Title + " " + e.Pattern)
	case session.KindTodo:
		return fmt.Sprintf("%d items", len(e.Todos))
	case session.KindError:
		return e.Message
	}
	return ""
}

// indent prepends prefix to every non-empty line in s.
func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
