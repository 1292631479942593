// Package tui provides the interactive terminal dashboard for Pulse.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/pulse/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
)

// RefreshInterval is how often the dashboard polls the daemon.
const RefreshInterval = 5 * time.Second

type pane int

const (
	panePending pane = iota
	paneConnections
	paneDead
)

var paneNames = []string{"PENDING", "CONNECTIONS", "DEAD LETTERS"}

// App is the dashboard model.
type App struct {
	client   *Client
	snap     Snapshot
	pane     pane
	selected int
	spinner  spinner.Model
	loading  bool
	syncing  bool
	message  string
	width    int
	height   int
}

// New creates a dashboard for the daemon at apiAddr.
func New(apiAddr string) *App {
	return NewWithClient(NewClient(apiAddr))
}

// NewWithClient creates a dashboard using client.
func NewWithClient(client *Client) *App {
	return &App{
		client:  client,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		loading: true,
		width:   80,
		height:  24,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type snapshotMsg Snapshot

type syncDoneMsg struct {
	result *models.SyncResult
	err    error
}

type tickMsg time.Time

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(a.client.Snapshot())
	}
}

func (a *App) runSync() tea.Cmd {
	return func() tea.Msg {
		res, err := a.client.Sync()
		return syncDoneMsg{result: res, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetchSnapshot(), tick())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.loading = true
			a.message = ""
			return a, a.fetchSnapshot()
		case "s":
			if a.syncing {
				return a, nil
			}
			a.syncing = true
			a.message = "syncing..."
			return a, a.runSync()
		case "tab":
			a.pane = (a.pane + 1) % pane(len(paneNames))
			a.selected = 0
		case "up", "k":
			if a.selected > 0 {
				a.selected--
			}
		case "down", "j":
			if a.selected < a.paneLen()-1 {
				a.selected++
			}
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case snapshotMsg:
		a.loading = false
		a.snap = Snapshot(msg)
		if a.selected >= a.paneLen() {
			a.selected = max(a.paneLen()-1, 0)
		}
		return a, nil

	case syncDoneMsg:
		a.syncing = false
		if msg.err != nil {
			a.message = "sync failed: " + msg.err.Error()
		} else if msg.result.Skipped {
			a.message = "sync already running"
		} else {
			a.message = fmt.Sprintf("synced %d, failed %d, dead-lettered %d",
				msg.result.Synced, msg.result.Failed, msg.result.DeadLettered)
		}
		return a, a.fetchSnapshot()

	case tickMsg:
		return a, tea.Batch(a.fetchSnapshot(), tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) paneLen() int {
	return a.countFor(a.pane)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("PULSE"))
	b.WriteString(" ")
	b.WriteString(a.renderStatus())
	b.WriteString("\n\n")

	tabs := make([]string, len(paneNames))
	for i, name := range paneNames {
		label := fmt.Sprintf("%s (%d)", name, a.countFor(pane(i)))
		if pane(i) == a.pane {
			tabs[i] = selectedStyle.Render(label)
		} else {
			tabs[i] = itemStyle.Render(label)
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	b.WriteString("\n")

	width := a.width - 4
	if width < 20 {
		width = 20
	}
	b.WriteString(panelStyle.Width(width).Render(a.renderPane()))
	b.WriteString("\n")

	if a.message != "" {
		b.WriteString(statusBarStyle.Render(a.message))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("s sync • r refresh • tab switch • ↑/↓ move • q quit"))
	return b.String()
}

func (a *App) countFor(p pane) int {
	switch p {
	case paneConnections:
		return len(a.snap.Connections)
	case paneDead:
		return len(a.snap.Dead)
	}
	return len(a.snap.Pending)
}

func (a *App) renderStatus() string {
	if a.loading && !a.snap.DaemonOnline {
		return a.spinner.View() + " connecting"
	}
	if !a.snap.DaemonOnline {
		msg := "daemon offline"
		if a.snap.Err != nil {
			msg += ": " + a.snap.Err.Error()
		}
		return offlineStyle.Render(msg)
	}

	var parts []string
	net := a.snap.Health.Network
	if net.IsConnected {
		parts = append(parts, onlineStyle.Render("● online")+" "+string(net.ConnectionClass))
	} else {
		parts = append(parts, offlineStyle.Render("● offline"))
	}
	parts = append(parts, fmt.Sprintf("%d pending", len(a.snap.Pending)))
	if a.snap.Health.Stale {
		parts = append(parts, warnStyle.Render("cache stale"))
	}
	if s := a.snap.Scheduler; s != nil {
		sched := "every " + s.Period
		if s.LastRun != nil {
			sched += ", last " + s.LastRun.Local().Format("15:04:05")
		}
		parts = append(parts, sched)
	}
	if a.syncing {
		parts = append(parts, a.spinner.View()+" syncing")
	}
	return strings.Join(parts, " │ ")
}

func (a *App) renderPane() string {
	var lines []string
	switch a.pane {
	case panePending:
		for _, act := range a.snap.Pending {
			line := fmt.Sprintf("%-11s %-14s %-8s", act.ResourceType, act.Operation.String(), act.TargetID)
			if act.Attempts > 0 {
				line += warnStyle.Render(fmt.Sprintf(" %d tries: %s", act.Attempts, act.LastError))
			}
			lines = append(lines, line)
		}
	case paneConnections:
		for _, c := range a.snap.Connections {
			lines = append(lines, fmt.Sprintf("%-16s %-14s %s", c.SourceID, formatConnStatus(c.Status), c.DisplayName))
		}
	case paneDead:
		for _, d := range a.snap.Dead {
			lines = append(lines, fmt.Sprintf("%-11s %-14s %s", d.Action.ResourceType, d.Action.Operation.String(), d.Reason))
		}
	}
	if len(lines) == 0 {
		return helpStyle.Render("nothing here")
	}

	for i, l := range lines {
		if i == a.selected {
			lines[i] = selectedStyle.Render(l)
		} else {
			lines[i] = itemStyle.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

func formatConnStatus(s models.ConnectionStatus) string {
	switch s {
	case models.ConnectionConnected:
		return onlineStyle.Render(string(s))
	case models.ConnectionNeedsRefresh, models.ConnectionAwaitingCallback:
		return warnStyle.Render(string(s))
	case models.ConnectionFailed:
		return offlineStyle.Render(string(s))
	}
	return string(s)
}
