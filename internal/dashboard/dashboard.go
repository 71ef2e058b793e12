// Package dashboard renders the account table in the terminal.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"capsule_farmer/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Source is the registry view the dashboard reads and toggles.
type Source interface {
	Snapshot() []model.AccountStatus
	ToggleActive(id string) (bool, error)
}

type tickMsg time.Time

type Model struct {
	src     Source
	refresh time.Duration
	table   table.Model
	rows    []model.AccountStatus
	notice  string
	failed  bool
	width   int
}

var columns = []table.Column{
	{Title: "Account", Width: 14},
	{Title: "Status", Width: 30},
	{Title: "Live matches", Width: 22},
	{Title: "Session", Width: 8},
	{Title: "Total", Width: 7},
	{Title: "Last drop", Width: 36},
	{Title: "Last check", Width: 10},
	{Title: "Active", Width: 6},
}

func New(src Source, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	t.SetStyles(styles)

	m := Model{src: src, refresh: refresh, table: t}
	m.load()
	return m
}

// Run shows the dashboard until the operator quits or ctx is cancelled.
func Run(ctx context.Context, src Source, refresh time.Duration) error {
	p := tea.NewProgram(New(src, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// StdinIsTTY reports whether the dashboard can take over the terminal.
func StdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 7; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case tickMsg:
		m.load()
		return m, m.tick()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.toggleSelected()
			m.load()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) toggleSelected() {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return
	}
	id := m.rows[i].Account
	active, err := m.src.ToggleActive(id)
	if err != nil {
		m.notice, m.failed = err.Error(), true
		return
	}
	state := "paused"
	if active {
		state = "resumed"
	}
	m.notice, m.failed = fmt.Sprintf("%s %s", id, state), false
}

func (m *Model) load() {
	m.rows = m.src.Snapshot()
	rows := make([]table.Row, 0, len(m.rows))
	for _, st := range m.rows {
		rows = append(rows, toRow(st))
	}
	m.table.SetRows(rows)
}

func toRow(st model.AccountStatus) table.Row {
	lastCheck := "-"
	if !st.LastCheck.IsZero() {
		lastCheck = st.LastCheck.Format("15:04:05")
	}
	active := "yes"
	if !st.Active {
		active = "no"
	}
	live := st.LiveMatches
	if live == "" {
		live = "-"
	}
	return table.Row{
		st.Account,
		st.Status,
		live,
		strconv.Itoa(st.SessionDrops),
		strconv.Itoa(st.TotalDrops),
		st.LastDrop,
		lastCheck,
		active,
	}
}

func (m Model) View() string {
	header := titleStyle.Render("Capsule Farmer") + mutedStyle.Render(fmt.Sprintf("  %d accounts", len(m.rows)))
	help := mutedStyle.Render("up/down select  p pause/resume  q quit")
	notice := ""
	if m.notice != "" {
		if m.failed {
			notice = errorStyle.Render(m.notice)
		} else {
			notice = okStyle.Render(m.notice)
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, panelStyle.Render(m.table.View()), help, notice)
}
