// Package admin renders a terminal dashboard over the working memory store.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/pkg/types"
)

const refreshEvery = 2 * time.Second

type tickMsg time.Time

type snapshot struct {
	stats    store.Stats
	sweeps   []store.SweepRecord
	reqLogs  []store.MCPRequestLog
	items    []store.RecentItem
	err      error
	duration time.Duration
}

// Source is the read side of the store the dashboard polls.
type Source interface {
	Stats(ctx context.Context, now time.Time) (store.Stats, error)
	RecentSweeps(ctx context.Context, limit int) ([]store.SweepRecord, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentItems(ctx context.Context, limit int) ([]store.RecentItem, error)
}

type model struct {
	ctx      context.Context
	src      Source
	snap     snapshot
	lastTick time.Time
	logLines []string
	maxLogs  int
	rows     int
	width    int
	height   int
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source) error {
	m := newModel(ctx, src).appendLog("admin UI started")
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func newModel(ctx context.Context, src Source) model {
	return model{ctx: ctx, src: src, maxLogs: 6, rows: 8}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.ctx, m.src, m.rows), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m.appendLog("received quit signal"), tea.Quit
		case "r":
			return m.appendLog("manual refresh"), fetchCmd(m.ctx, m.src, m.rows)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchCmd(m.ctx, m.src, m.rows), tickCmd())
	case snapshot:
		if msg.err != nil {
			m.snap.err = msg.err
			return m.appendLog(fmt.Sprintf("refresh error: %v", msg.err)), nil
		}
		m.snap = msg
		return m.appendLog(fmt.Sprintf(
			"refresh ok pending=%d promoted=%d faded=%d (%s)",
			msg.stats.Pending, msg.stats.Promoted, msg.stats.Faded, formatDuration(msg.duration),
		)), nil
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("working-memory admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q quit • r refresh • auto every 2s")

	w := 54
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	h := 9
	if m.height > 0 {
		h = max(8, (m.height-12)/2)
	}

	top := joinColumns(
		renderPane("Lifecycle", m.renderStats(), w, h),
		renderPane("Sweeps", formatSweeps(m.snap.sweeps), w, h),
	)
	bottom := joinColumns(
		renderPane("MCP Requests", formatRequests(m.snap.reqLogs), w, h),
		renderPane("Recent Items", formatItems(m.snap.items), w, h),
	)
	logs := "(no log events yet)"
	if len(m.logLines) > 0 {
		logs = strings.Join(m.logLines, "\n")
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, meta, "", top, bottom, renderPane("Log", logs, 2*w+1, 0))
}

func (m model) renderStats() string {
	st := m.snap.stats
	body := fmt.Sprintf(
		"Total items:     %d\nPending:         %d\n  overdue:       %d\nPromoted:        %d\nFaded:           %d\n  restored:      %d\nLast refresh:    %s",
		st.Total, st.Pending, st.OverduePending, st.Promoted, st.Faded, st.Restored, formatTime(m.lastTick),
	)
	if m.snap.err != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.snap.err.Error()), 120)
	}
	return body
}

func fetchCmd(ctx context.Context, src Source, limit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		var snap snapshot
		snap.stats, snap.err = src.Stats(ctx, start.UTC())
		if snap.err == nil {
			snap.sweeps, snap.err = src.RecentSweeps(ctx, limit)
		}
		if snap.err == nil {
			snap.reqLogs, snap.err = src.RecentMCPRequestLogs(ctx, limit)
		}
		if snap.err == nil {
			snap.items, snap.err = src.RecentItems(ctx, limit)
		}
		snap.duration = time.Since(start)
		return snap
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	m.logLines = append(m.logLines, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatSweeps(rows []store.SweepRecord) string {
	if len(rows) == 0 {
		return "(no sweeps yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		r := row.Result
		line := fmt.Sprintf("[%s] eval=%-4d +%-3d -%-3d =%-4d %5dms",
			formatClock(row.StartedAt), r.Evaluated, r.Promoted, r.Faded, r.StillPending, r.DurationMs)
		if n := len(r.Errors); n > 0 {
			line += fmt.Sprintf(" err=%d", n)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatRequests(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := strings.TrimSpace(row.Method)
		if row.ToolName != "" {
			method += ":" + strings.TrimSpace(row.ToolName)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %-3s %-24s %4dms", formatClock(row.CreatedAt), status, truncateText(method, 24), max(0, row.DurationMS))
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

var statusMarks = map[types.Status]string{
	types.StatusPending:  "P",
	types.StatusPromoted: "+",
	types.StatusFaded:    "-",
}

func formatItems(rows []store.RecentItem) string {
	if len(rows) == 0 {
		return "(no items yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		mark, ok := statusMarks[row.Status]
		if !ok {
			mark = "?"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %.2f %-10s %s :: %s",
			formatClock(row.CreatedAt),
			mark,
			row.Score,
			truncateText(row.Category, 10),
			truncateText(row.Namespace, 18),
			truncateText(compactWhitespace(row.Summary), 56),
		))
	}
	return strings.Join(lines, "\n")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
