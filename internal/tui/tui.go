// Package tui provides a Bubble Tea TUI for browsing session logs.
package tui

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/sessionwatch/internal/session"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	kindToolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	kindTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	kindThoughtStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
	kindOtherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabSummary tabID = iota
	tabTools
	tabTranscript
	tabTimeline
	tabCount
)

var tabNames = [tabCount]string{"Summary", "Tools", "Transcript", "Timeline"}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	log       *session.Log
	filename  string
	tools     []session.Entry
	activeTab tabID
	viewports [tabCount]viewport.Model
	width     int
	height    int
	ready     bool
	sortAsc   bool
	// Tools tab: cursor position and expanded set
	toolCursor    int
	expandedTools map[int]bool
}

// New creates a TUI model for l read from filename.
func New(l *session.Log, filename string) Model {
	m := Model{
		log:           l,
		filename:      filepath.Base(filename),
		sortAsc:       true,
		expandedTools: make(map[int]bool),
	}
	for _, e := range l.Entries {
		if e.Kind == session.KindTool {
			m.tools = append(m.tools, e)
		}
	}
	return m
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4":
			m.activeTab = tabID(msg.String()[0] - '1')
		case "s":
			if m.activeTab == tabTimeline {
				m.sortAsc = !m.sortAsc
				m.rebuild(tabTimeline)
				m.viewports[tabTimeline].GotoTop()
			}
		case "up", "k":
			if m.activeTab == tabTools && m.toolCursor > 0 {
				m.toolCursor--
				m.rebuild(tabTools)
				return m, nil
			}
		case "down", "j":
			if m.activeTab == tabTools && m.toolCursor < len(m.tools)-1 {
				m.toolCursor++
				m.rebuild(tabTools)
				return m, nil
			}
		case "enter", " ":
			if m.activeTab == tabTools && len(m.tools) > 0 {
				if m.expandedTools[m.toolCursor] {
					delete(m.expandedTools, m.toolCursor)
				} else {
					m.expandedTools[m.toolCursor] = true
				}
				m.rebuild(tabTools)
				return m, nil
			}
		}
		if !m.ready {
			return m, nil
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.initViewports()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render("  sessionwatch  " + m.filename)

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	content := m.viewports[m.activeTab].View()

	hint := "  ←/→ tab  ↑/↓ scroll  1-4 jump  q quit"
	switch m.activeTab {
	case tabTimeline:
		dir := "oldest first"
		if !m.sortAsc {
			dir = "newest first"
		}
		hint += "  s sort (" + dir + ")"
	case tabTools:
		hint += "  enter expand/collapse"
	}
	pct := fmt.Sprintf("%3.0f%%", m.viewports[m.activeTab].ScrollPercent()*100)
	pad := m.width - lipgloss.Width(hint) - len(pct) - 2
	if pad < 1 {
		pad = 1
	}
	statusBar := statusBarStyle.Width(m.width).Render(hint + strings.Repeat(" ", pad) + pct)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, content, statusBar)
}

// ── Viewport management ───────────────────────────────────────────────────────

func (m *Model) initViewports() {
	// title(1) + tabRow(1) + statusBar(1) = 3 fixed rows
	vpHeight := m.height - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Model) rebuild(t tabID) {
	if m.ready {
		m.viewports[t].SetContent(m.renderTab(t))
	}
}

// ── Tab renderers ─────────────────────────────────────────────────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabTools:
		return m.renderTools()
	case tabTranscript:
		return m.renderTranscript()
	case tabTimeline:
		return m.renderTimeline()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func (m *Model) renderSummary() string {
	l := m.log
	var sb strings.Builder
	sb.WriteString(heading("Session"))

	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s", label)) + "  " + value + "\n")
	}
	row("Session:", l.SessionID)
	row("Run:", l.RunID)
	row("Started:", l.StartedAt.Format("2006-01-02 15:04:05 MST"))

	term := l.Terminal()
	switch {
	case term == nil:
		row("Result:", dimStyle.Render("incomplete"))
	case term.Kind == session.KindSummary:
		row("Result:", okStyle.Render("success"))
	default:
		row("Result:", failStyle.Render("failed")+"  "+term.Message)
	}
	if term == nil || term.Totals == nil {
		return sb.String()
	}

	t := term.Totals
	row("Duration:", fmt.Sprintf("%.1fs", t.DurationSeconds))
	sb.WriteString(heading("Tools"))
	row("Total:", fmt.Sprintf("%d", t.Stats.ToolCount))
	row("Bash:", fmt.Sprintf("%d", t.Stats.BashCount))
	row("File ops:", fmt.Sprintf("%d", t.Stats.FileOps))
	row("Finalized:", fmt.Sprintf("%d", t.ToolEntries))

	sb.WriteString(heading("Tokens"))
	row("Input:", fmt.Sprintf("%d", t.Tokens.Input))
	row("Output:", fmt.Sprintf("%d", t.Tokens.Output))
	row("Reasoning:", fmt.Sprintf("%d", t.Tokens.Reasoning))
	row("Cache read:", fmt.Sprintf("%d", t.Tokens.CacheRead))
	row("Cache write:", fmt.Sprintf("%d", t.Tokens.CacheWrite))
	return sb.String()
}

func (m *Model) renderTools() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Tool Calls (%d)", len(m.tools))))
	if len(m.tools) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for i, e := range m.tools {
		ts := timeStyle.Render(e.Timestamp.Format("15:04:05"))
		status := okStyle.Render("✓")
		if e.Status != "completed" {
			status = failStyle.Render("✗")
		}
		toggle := dimStyle.Render("  ▶ ")
		if m.expandedTools[i] {
			toggle = dimStyle.Render("  ▼ ")
		}
		label := e.Tool
		if e.Title != "" {
			label += "  " + dimStyle.Render(e.Title)
		}
		row := fmt.Sprintf("%s%s  %s  %s  %s", toggle, status, ts, label, dimStyle.Render(fmt.Sprintf("%dms", e.DurationMs)))
		if i == m.toolCursor {
			row = selectedRowStyle.Width(max(m.width-2, 1)).Render(row)
		}
		sb.WriteString(row + "\n")

		if m.expandedTools[i] {
			sb.WriteString(renderToolDetail(e, m.width))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderToolDetail(e session.Entry, width int) string {
	var sb strings.Builder
	border := dimStyle.Render("  " + strings.Repeat("─", max(width-4, 1)))
	sb.WriteString(border + "\n")
	if e.Input != nil {
		sb.WriteString(labelStyle.Render("    input") + "\n")
		sb.WriteString(indent(formatValue(e.Input), "    ") + "\n")
	}
	switch {
	case e.Output == nil:
		sb.WriteString(labelStyle.Render("    output") + "  " + dimStyle.Render("(none)") + "\n")
	case *e.Output == "":
		sb.WriteString(labelStyle.Render("    output") + "  " + dimStyle.Render("(empty)") + "\n")
	default:
		sb.WriteString(labelStyle.Render("    output") + "\n")
		sb.WriteString(indent(*e.Output, "    ") + "\n")
	}
	if e.Error != nil {
		sb.WriteString(failStyle.Render("    error") + "  " + *e.Error + "\n")
	}
	sb.WriteString(border + "\n")
	return sb.String()
}

func (m *Model) renderTranscript() string {
	var sb strings.Builder
	sb.WriteString(heading("Transcript"))
	wrote := false
	for _, e := range m.log.Entries {
		switch e.Kind {
		case session.KindText:
			sb.WriteString(indent(strings.TrimSpace(e.Content), "  ") + "\n\n")
		case session.KindReasoning:
			sb.WriteString(dimStyle.Render(indent(strings.TrimSpace(e.Content), "  │ ")) + "\n\n")
		default:
			continue
		}
		wrote = true
	}
	if !wrote {
		sb.WriteString(dimStyle.Render("  (no text recorded)") + "\n")
	}
	return sb.String()
}

func (m *Model) renderTimeline() string {
	var sb strings.Builder

	dir := "oldest first"
	if !m.sortAsc {
		dir = "newest first"
	}
	sb.WriteString(heading(fmt.Sprintf("Timeline (%s)", dir)))

	entries := make([]session.Entry, len(m.log.Entries))
	copy(entries, m.log.Entries)
	if !m.sortAsc {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	}

	if len(entries) == 0 {
		sb.WriteString(dimStyle.Render("  (no entries in this log)") + "\n")
		return sb.String()
	}
	for _, e := range entries {
		ts := timeStyle.Render(e.Timestamp.Format("15:04:05"))
		sb.WriteString(ts + badge(e.Kind) + "  " + describe(e) + "\n")
	}
	return sb.String()
}

func badge(k session.EntryKind) string {
	label := fmt.Sprintf("  %-11s", strings.ToUpper(string(k)))
	switch k {
	case session.KindToolStart, session.KindTool:
		return kindToolStyle.Render(label)
	case session.KindText:
		return kindTextStyle.Render(label)
	case session.KindReasoning:
		return kindThoughtStyle.Render(label)
	case session.KindError:
		return failStyle.Render(label)
	default:
		return kindOtherStyle.Render(label)
	}
}

// describe summarises an entry on one line.
func describe(e session.Entry) string {
	switch e.Kind {
	case session.KindToolStart:
		return e.Tool
	case session.KindTool:
		return e.Tool + " " + e.Status
	case session.KindText, session.KindReasoning:
		return firstLine(e.Content, 80)
	case session.KindPermission:
		return strings.TrimSpace(e.Title + " " + e.Pattern)
	case session.KindTodo:
		done := 0
		for _, t := range e.Todos {
			if t.Status == "completed" {
				done++
			}
		}
		return fmt.Sprintf("%d/%d done", done, len(e.Todos))
	case session.KindSummary:
		if e.Totals != nil {
			return fmt.Sprintf("idle after %.1fs", e.Totals.DurationSeconds)
		}
		return "idle"
	case session.KindError:
		return e.Message
	}
	return ""
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if r := []rune(s); len(r) > limit {
		s = string(r[:limit]) + "…"
	}
	return s
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// Run starts the TUI for l.
func Run(l *session.Log, filename string) error {
	p := tea.NewProgram(New(l, filename), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
