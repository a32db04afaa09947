package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/failover"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginRight(2)

	alertBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("#FF0000"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#00FF00")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type view int

const (
	overviewView view = iota
	replicasView
	eventsView
	viewCount
)

var viewNames = [viewCount]string{"Overview", "Replicas", "Events"}

type keyMap struct {
	Tab      key.Binding
	ShiftTab key.Binding
	Refresh  key.Binding
	Up       key.Binding
	Down     key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev view"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.ShiftTab, k.Refresh},
		{k.Up, k.Down},
		{k.Quit},
	}
}

// snapshot is one poll of the coordinator.
type snapshot struct {
	status failover.ClusterStatus
	events []audit.Event
	at     time.Time
}

type snapshotMsg struct {
	snap snapshot
	err  error
}

type tickMsg time.Time

type model struct {
	fetch       func(context.Context) (snapshot, error)
	interval    time.Duration
	currentView view
	replicas    table.Model
	events      table.Model
	help        help.Model
	keys        keyMap
	width       int
	height      int
	snap        snapshot
	loaded      bool
	err         error
}

func newTable(columns []table.Column) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialModel(fetch func(context.Context) (snapshot, error), interval time.Duration) model {
	return model{
		fetch:    fetch,
		interval: interval,
		replicas: newTable([]table.Column{
			{Title: "Group", Width: 12},
			{Title: "Node", Width: 10},
			{Title: "Role", Width: 10},
			{Title: "Sync", Width: 13},
			{Title: "Health", Width: 12},
			{Title: "Conn", Width: 12},
			{Title: "Node State", Width: 10},
			{Title: "Lag", Width: 10},
		}),
		events: newTable([]table.Column{
			{Title: "Time", Width: 20},
			{Title: "Group", Width: 12},
			{Title: "Trigger", Width: 10},
			{Title: "Change", Width: 18},
			{Title: "Outcome", Width: 24},
			{Title: "Loss", Width: 5},
			{Title: "Cause", Width: 30},
		}),
		help: help.New(),
		keys: keys,
	}
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		snap, err := m.fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return m.poll()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, m.poll()

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
			m.replicas.SetRows(replicaRows(msg.snap.status))
			m.events.SetRows(eventRows(msg.snap.events))
		}
		return m, m.tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Tab):
			m.currentView = (m.currentView + 1) % viewCount
			return m, nil
		case key.Matches(msg, m.keys.ShiftTab):
			m.currentView = (m.currentView + viewCount - 1) % viewCount
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.poll()
		}
	}

	switch m.currentView {
	case replicasView:
		m.replicas, cmd = m.replicas.Update(msg)
	case eventsView:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func replicaRows(st failover.ClusterStatus) []table.Row {
	var rows []table.Row
	for _, g := range st.Groups {
		for _, r := range g.Replicas {
			role := string(r.Role)
			if r.NeedsResync {
				role += "*"
			}
			rows = append(rows, table.Row{
				g.Name,
				r.Node,
				role,
				string(r.SyncMode),
				string(r.SyncHealth),
				string(r.Connected),
				string(r.NodeState),
				r.Lag.Round(time.Millisecond).String(),
			})
		}
	}
	return rows
}

func eventRows(events []audit.Event) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, ev := range events {
		change := ev.Source + " -> " + ev.Target
		loss := ""
		if ev.DataLoss {
			loss = "yes"
		}
		rows = append(rows, table.Row{
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Group,
			string(ev.Trigger),
			change,
			string(ev.Outcome),
			loss,
			ev.Cause,
		})
	}
	return rows
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("Cluso HA - Cluster Monitor"))
	s.WriteString("\n\n")
	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	if !m.loaded {
		s.WriteString(contentStyle.Render("Waiting for the coordinator..."))
	} else {
		switch m.currentView {
		case overviewView:
			s.WriteString(m.renderOverview())
		case replicasView:
			s.WriteString(m.renderTable("Replicas", m.replicas))
		case eventsView:
			s.WriteString(m.renderTable("Failover Events", m.events))
		}
	}

	if m.err != nil {
		s.WriteString("\n\n")
		s.WriteString(errorStyle.Render("✗ " + m.err.Error()))
	} else if m.loaded {
		s.WriteString("\n\n")
		s.WriteString(helpStyle.Render("updated " + m.snap.at.Format("15:04:05")))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}

func (m model) renderTabs() string {
	var tabs []string
	for i, name := range viewNames {
		if view(i) == m.currentView {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m model) renderOverview() string {
	st := m.snap.status
	return contentStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top,
		quorumBox(st), groupsBox(st)))
}

func quorumBox(st failover.ClusterStatus) string {
	var s strings.Builder
	q := st.Quorum
	if q.HasQuorum {
		s.WriteString(okStyle.Render("Quorum HELD"))
	} else {
		s.WriteString(errorStyle.Render("Quorum LOST"))
	}
	fmt.Fprintf(&s, "\n%d of %d votes\n\n", q.ReachableVotes, q.TotalVotes)

	nodes := st.Nodes
	if st.Witness != nil {
		nodes = append(append([]cluster.NodeInfo(nil), nodes...), *st.Witness)
	}
	for _, n := range nodes {
		name := n.ID
		if n.Witness {
			name += " (w)"
		}
		state := string(n.State)
		if n.State == cluster.NodeUp {
			state = okStyle.Render(state)
		} else {
			state = errorStyle.Render(state)
		}
		fmt.Fprintf(&s, "%-12s %s\n", name, state)
	}

	if !q.HasQuorum {
		return alertBoxStyle.Render(strings.TrimRight(s.String(), "\n"))
	}
	return boxStyle.Render(strings.TrimRight(s.String(), "\n"))
}

func groupsBox(st failover.ClusterStatus) string {
	var s strings.Builder
	s.WriteString("Data Groups\n")
	for _, g := range st.Groups {
		primary := g.Primary
		if primary == "" {
			primary = "-"
		}
		status := okStyle.Render("available")
		switch {
		case g.FailoverInFlight:
			status = warnStyle.Render("failing over")
		case !g.Available:
			status = errorStyle.Render("unavailable")
		}
		fmt.Fprintf(&s, "\n%-12s primary %-10s gen %-4d %s", g.Name, primary, g.Generation, status)
		if g.RecoveryPending {
			fmt.Fprintf(&s, "\n  %s", errorStyle.Render("recovery: "+g.RecoveryReason))
		}
		for _, ep := range g.Endpoints {
			target := ep.TargetNode
			if target == "" {
				target = "(none)"
			}
			fmt.Fprintf(&s, "\n  %s %s -> %s", ep.Name, ep.Addr, target)
		}
	}
	return boxStyle.Render(s.String())
}

func (m model) renderTable(title string, t table.Model) string {
	var s strings.Builder
	s.WriteString(headerStyle.Render(title))
	s.WriteString("\n\n")
	s.WriteString(t.View())
	return contentStyle.Render(s.String())
}

// fetchSnapshot polls status and the latest events.
func fetchSnapshot(c *apiClient, limit int) func(context.Context) (snapshot, error) {
	return func(ctx context.Context) (snapshot, error) {
		var snap snapshot
		if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &snap.status); err != nil {
			return snap, err
		}
		var resp struct {
			Events []audit.Event `json:"events"`
		}
		path := fmt.Sprintf("/v1/events?limit=%d", limit)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return snap, err
		}
		// Newest first.
		for i, j := 0, len(resp.Events)-1; i < j; i, j = i+1, j-1 {
			resp.Events[i], resp.Events[j] = resp.Events[j], resp.Events[i]
		}
		snap.events = resp.Events
		snap.at = time.Now()
		return snap, nil
	}
}

func cmdTop(args []string, out io.Writer) error {
	fs, g := newFlagSet("top", out)
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	limit := fs.Int("events", 100, "Events to show")
	if err := g.parse(fs, args); err != nil {
		return err
	}

	g.api.http.Timeout = *interval
	p := tea.NewProgram(initialModel(fetchSnapshot(g.api, *limit), *interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
