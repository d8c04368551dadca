package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/state"
)

// TaskMover performs an optimistic board move.
type TaskMover interface {
	MoveTask(ctx context.Context, id string, status model.TaskStatus) (model.Task, error)
}

// Header is the line of engine state shown above the board.
type Header struct {
	Workspace string
	Stream    string
}

type Config struct {
	Store  *state.Store
	Bus    *bus.Bus
	Mover  TaskMover
	Header func() Header
}

// Snapshot is one consistent read of the store, grouped for rendering.
type Snapshot struct {
	Columns map[model.TaskStatus][]model.Task
	Pending map[string]bool
	Agents  []model.Agent
	Events  []model.Event
	Summary state.Summary
	Conn    state.ConnectionState
	Header  Header
}

func takeSnapshot(cfg Config) Snapshot {
	snap := Snapshot{
		Columns: make(map[model.TaskStatus][]model.Task, len(model.TaskStatuses)),
		Pending: make(map[string]bool),
		Agents:  cfg.Store.Agents(),
		Events:  cfg.Store.Events(),
		Summary: cfg.Store.Summary(),
		Conn:    cfg.Store.Connection(),
	}
	for _, t := range cfg.Store.Tasks() {
		snap.Columns[t.Status] = append(snap.Columns[t.Status], t)
		if _, ok := cfg.Store.Pending(model.KindTask, t.ID); ok {
			snap.Pending[t.ID] = true
		}
	}
	if cfg.Header != nil {
		snap.Header = cfg.Header()
	}
	return snap
}

type boardModel struct {
	cfg  Config
	ctx  context.Context
	sub  *bus.Subscription
	snap Snapshot
	feed *ActivityFeed

	col, row int
	width    int
}

type tickMsg time.Time

// changeMsg carries one bus event into the update loop.
type changeMsg bus.Event

type moveResultMsg struct {
	id     string
	status model.TaskStatus
	err    error
}

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForChange(sub *bus.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return changeMsg(ev)
	}
}

func newBoardModel(ctx context.Context, cfg Config, sub *bus.Subscription) boardModel {
	return boardModel{
		cfg:   cfg,
		ctx:   ctx,
		sub:   sub,
		snap:  takeSnapshot(cfg),
		feed:  NewActivityFeed(),
		width: 120,
	}
}

func (m boardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForChange(m.sub))
}

func (m boardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		m.feed.CleanupOld(feedMaxAge)
		m.snap = takeSnapshot(m.cfg)
		m.clampCursor()
		return m, tickCmd()
	case changeMsg:
		m.record(bus.Event(msg))
		m.snap = takeSnapshot(m.cfg)
		m.clampCursor()
		return m, waitForChange(m.sub)
	case moveResultMsg:
		if msg.err != nil {
			m.feed.Add(ActivityItem{Icon: "✗", Message: fmt.Sprintf("move %s: %s", msg.id, humanError(msg.err)), At: time.Now()})
		} else {
			m.feed.Add(ActivityItem{Icon: "✓", Message: fmt.Sprintf("%s → %s", msg.id, msg.status.Label()), At: time.Now()})
		}
		m.snap = takeSnapshot(m.cfg)
		m.clampCursor()
	}
	return m, nil
}

func (m boardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "left", "h":
		if m.col > 0 {
			m.col--
		}
	case "right", "l":
		if m.col < len(model.TaskStatuses)-1 {
			m.col++
		}
	case "up", "k":
		if m.row > 0 {
			m.row--
		}
	case "down", "j":
		m.row++
	case ">", "shift+right":
		return m, m.moveSelected(1)
	case "<", "shift+left":
		return m, m.moveSelected(-1)
	case "a":
		m.feed.Toggle()
	case "r":
		m.snap = takeSnapshot(m.cfg)
	}
	m.clampCursor()
	return m, nil
}

// moveSelected shifts the selected task dir columns along the board.
func (m boardModel) moveSelected(dir int) tea.Cmd {
	task, ok := m.selected()
	if !ok || m.cfg.Mover == nil {
		return nil
	}
	next := m.col + dir
	if next < 0 || next >= len(model.TaskStatuses) {
		return nil
	}
	status := model.TaskStatuses[next]
	mover, ctx := m.cfg.Mover, m.ctx
	return func() tea.Msg {
		_, err := mover.MoveTask(ctx, task.ID, status)
		return moveResultMsg{id: task.ID, status: status, err: err}
	}
}

func (m boardModel) selected() (model.Task, bool) {
	tasks := m.snap.Columns[model.TaskStatuses[m.col]]
	if m.row < 0 || m.row >= len(tasks) {
		return model.Task{}, false
	}
	return tasks[m.row], true
}

func (m *boardModel) clampCursor() {
	n := len(m.snap.Columns[model.TaskStatuses[m.col]])
	if m.row >= n {
		m.row = n - 1
	}
	if m.row < 0 {
		m.row = 0
	}
}

// record turns engine notifications worth surfacing into feed lines.
func (m boardModel) record(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.MutationFailed:
		msg := p.Kind + " " + p.ID + " rolled back"
		if p.Err != nil {
			msg += ": " + humanError(p.Err)
		}
		m.feed.Add(ActivityItem{Icon: "↺", Message: msg, At: time.Now()})
	case bus.ConnectivityChanged:
		if p.Online {
			m.feed.Add(ActivityItem{Icon: "●", Message: "back online", At: p.CheckedAt})
		} else {
			m.feed.Add(ActivityItem{Icon: "○", Message: "offline", At: p.CheckedAt})
		}
	case bus.StreamStateChanged:
		if p.To == "reconnecting" {
			m.feed.Add(ActivityItem{Icon: "…", Message: fmt.Sprintf("stream reconnecting in %s", p.Delay.Truncate(time.Millisecond)), At: time.Now()})
		}
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	focusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	columnStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	activeColumn = columnStyle.BorderForeground(lipgloss.Color("62"))
)

func (m boardModel) View() string {
	var out strings.Builder
	out.WriteString(m.headerView() + "\n\n")

	colWidth := m.width/len(model.TaskStatuses) - 4
	if colWidth < 16 {
		colWidth = 16
	}
	cols := make([]string, 0, len(model.TaskStatuses))
	for i, st := range model.TaskStatuses {
		cols = append(cols, m.columnView(i, st, colWidth))
	}
	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...) + "\n\n")

	out.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.agentsView(), "   ", m.eventsView()) + "\n")
	if feed := m.feed.View(); feed != "" {
		out.WriteString("\n" + feed)
	}
	out.WriteString(dimStyle.Render("\n←/→ column  ↑/↓ task  </> move  a activity  r refresh  q quit") + "\n")
	return out.String()
}

func (m boardModel) headerView() string {
	conn := dimStyle.Render("◌ checking")
	if m.snap.Conn.Known {
		if m.snap.Conn.Online {
			conn = onlineStyle.Render("● online")
		} else {
			conn = offlineStyle.Render("○ offline")
		}
	}
	parts := []string{titleStyle.Render("boardsync")}
	if m.snap.Header.Workspace != "" {
		parts = append(parts, m.snap.Header.Workspace)
	}
	parts = append(parts, conn)
	if m.snap.Header.Stream != "" {
		parts = append(parts, "stream "+m.snap.Header.Stream)
	}
	sum := m.snap.Summary
	parts = append(parts, fmt.Sprintf("%d tasks, %d queued, %d blocked", sum.Tasks, sum.InQueue, sum.Blocked))
	parts = append(parts, fmt.Sprintf("%d/%d agents working", sum.WorkingAgents, sum.Agents))
	if sum.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", sum.Pending))
	}
	return strings.Join(parts, dimStyle.Render(" · "))
}

func (m boardModel) columnView(i int, st model.TaskStatus, width int) string {
	tasks := m.snap.Columns[st]
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d)", st.Label(), len(tasks))) + "\n")
	if len(tasks) == 0 {
		b.WriteString(dimStyle.Render("empty"))
	}
	for j, t := range tasks {
		line := truncate(t.Title, width-2)
		if m.snap.Pending[t.ID] {
			line += " ⟳"
		}
		if t.Blocked() {
			line += " ⚠"
		}
		if i == m.col && j == m.row {
			line = focusStyle.Render("▸ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	style := columnStyle
	if i == m.col {
		style = activeColumn
	}
	return style.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

func (m boardModel) agentsView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Agents") + "\n")
	if len(m.snap.Agents) == 0 {
		b.WriteString(dimStyle.Render("none") + "\n")
	}
	for _, a := range m.snap.Agents {
		name := a.Name
		if a.AvatarEmoji != "" {
			name = a.AvatarEmoji + " " + name
		}
		b.WriteString(fmt.Sprintf("%-20s %s\n", truncate(name, 20), dimStyle.Render(string(a.Status))))
	}
	return b.String()
}

const (
	feedLines  = 8
	feedMaxAge = 5 * time.Minute
)

func (m boardModel) eventsView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Live feed") + "\n")
	if len(m.snap.Events) == 0 {
		b.WriteString(dimStyle.Render("no events yet") + "\n")
	}
	for i, ev := range m.snap.Events {
		if i == feedLines {
			break
		}
		msg := ev.Message
		if msg == "" {
			msg = ev.Type
		}
		b.WriteString(dimStyle.Render(ev.CreatedAt.Local().Format("15:04:05")) + " " + truncate(msg, 60) + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run drives the board until the user quits or ctx ends.
func Run(ctx context.Context, cfg Config) error {
	defer bestEffortResetTTY()

	var sub *bus.Subscription
	if cfg.Bus != nil {
		sub = cfg.Bus.Subscribe("")
		defer cfg.Bus.Unsubscribe(sub)
	}
	p := tea.NewProgram(newBoardModel(ctx, cfg, sub), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
