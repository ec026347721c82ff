package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/normalizer"
	"github.com/iolloyd/consoletap/internal/websocket"
)

const (
	maxLines = 2000
	// activeWindow is how recently a session must have written to count as active
	activeWindow = 5 * time.Minute
)

type Model struct {
	wsClient         *websocket.Client
	lines            []models.NormalizedLine
	filteredLines    []models.NormalizedLine
	sessions         []models.SessionSummary
	width            int
	height           int
	scrollOffset     int
	follow           bool
	connected        bool
	connectionError  string
	connectionStatus string
	filter           Filter
	stats            Stats
	showHelp         bool
	selectedIndex    int
	viewMode         ViewMode
	lastSessionsReq  time.Time
}

type ViewMode int

const (
	ViewModeLines ViewMode = iota
	ViewModeSessions
)

// Filter narrows the lines view to one console port. Zero shows all ports.
type Filter struct {
	Port int
}

type Stats struct {
	TotalLines int
	Incoming   int
	Outgoing   int
	LastUpdate time.Time
}

func NewModel(wsClient *websocket.Client) Model {
	m := Model{
		wsClient:         wsClient,
		lines:            make([]models.NormalizedLine, 0, maxLines),
		filteredLines:    make([]models.NormalizedLine, 0),
		connectionStatus: "Connecting to capture service...",
		follow:           true,
		stats:            Stats{LastUpdate: time.Now()},
		viewMode:         ViewModeLines,
	}
	m.applyFilter()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.wsClient.Connect(),
		tea.EnterAltScreen,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

// Update keeps exactly one WaitForEvent outstanding while connected: it is
// armed on connect and re-armed after every feed message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		cmd := m.handleKeyPress(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ensureSelectedVisible()
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.viewMode == ViewModeSessions && m.connected && time.Since(m.lastSessionsReq) > 2*time.Second {
			m.lastSessionsReq = time.Now()
			cmds = append(cmds, m.requestSessions())
		}
		return m, tea.Batch(cmds...)

	case websocket.ConnectionStatusMsg:
		m.connected = msg.Connected
		if msg.Connected {
			m.connectionStatus = "Connected"
			m.connectionError = ""
			m.lastSessionsReq = time.Now()
			return m, tea.Batch(m.wsClient.WaitForEvent(), m.requestSessions())
		}
		if msg.Error != nil {
			m.connectionError = msg.Error.Error()
			m.connectionStatus = "Connection lost. Reconnecting..."
		} else {
			m.connectionStatus = "Reconnecting..."
		}
		return m, m.wsClient.Reconnect()

	case websocket.LineMsg:
		line := models.NormalizedLine(msg)
		m.addLine(line)
		m.updateStats(line)
		m.applyFilter()
		return m, m.wsClient.WaitForEvent()

	case websocket.SessionsMsg:
		m.sessions = []models.SessionSummary(msg)
		sort.Slice(m.sessions, func(i, j int) bool {
			return m.sessions[i].LastActivity.After(m.sessions[j].LastActivity)
		})
		if m.viewMode == ViewModeSessions && m.selectedIndex >= len(m.sessions) {
			m.selectedIndex = lo.Max([]int{len(m.sessions) - 1, 0})
		}
		return m, m.wsClient.WaitForEvent()
	}

	return m, nil
}

func (m *Model) handleKeyPress(msg tea.KeyMsg) tea.Cmd {
	if m.showHelp {
		m.showHelp = false
		return nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit

	case "?", "h":
		m.showHelp = true
		return nil

	case "enter":
		// jump from a session to its lines
		if m.viewMode == ViewModeSessions && m.selectedIndex < len(m.sessions) {
			m.filter.Port = m.sessions[m.selectedIndex].Port
			m.viewMode = ViewModeLines
			m.applyFilter()
			m.jumpToEnd()
		}
		return nil

	case "j", "down":
		if m.selectedIndex < m.itemCount()-1 {
			m.selectedIndex++
			m.ensureSelectedVisible()
		}
		m.follow = m.viewMode == ViewModeLines && m.selectedIndex == m.itemCount()-1
		return nil

	case "k", "up":
		if m.selectedIndex > 0 {
			m.selectedIndex--
			m.ensureSelectedVisible()
		}
		m.follow = false
		return nil

	case "G":
		m.jumpToEnd()
		return nil

	case "g":
		m.selectedIndex = 0
		m.scrollOffset = 0
		m.follow = false
		return nil

	case "ctrl+d":
		m.scrollDown(m.height / 2)
		return nil

	case "ctrl+u":
		m.scrollUp(m.height / 2)
		m.follow = false
		return nil

	case "c":
		if m.viewMode == ViewModeLines {
			m.clearLines()
		}
		return nil

	case "f":
		m.cycleFilter()
		return nil

	case "F":
		m.filter = Filter{}
		m.applyFilter()
		return nil

	case "r":
		m.lastSessionsReq = time.Now()
		return m.requestSessions()

	case "tab":
		m.selectedIndex = 0
		m.scrollOffset = 0
		if m.viewMode == ViewModeLines {
			m.viewMode = ViewModeSessions
			m.lastSessionsReq = time.Now()
			return m.requestSessions()
		}
		m.viewMode = ViewModeLines
		m.jumpToEnd()
		return nil
	}

	return nil
}

func (m *Model) itemCount() int {
	if m.viewMode == ViewModeSessions {
		return len(m.sessions)
	}
	return len(m.filteredLines)
}

func (m *Model) jumpToEnd() {
	m.selectedIndex = lo.Max([]int{m.itemCount() - 1, 0})
	m.follow = m.viewMode == ViewModeLines
	m.ensureSelectedVisible()
}

func (m *Model) addLine(line models.NormalizedLine) {
	m.lines = append(m.lines, line)

	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m *Model) updateStats(line models.NormalizedLine) {
	m.stats.TotalLines++
	if line.Direction == models.DirectionIncoming {
		m.stats.Incoming++
	} else {
		m.stats.Outgoing++
	}
	m.stats.LastUpdate = time.Now()
}

// knownPorts lists every port seen in lines or session summaries
func (m *Model) knownPorts() []int {
	ports := lo.Map(m.lines, func(l models.NormalizedLine, _ int) int { return l.Port })
	ports = append(ports, lo.Map(m.sessions, func(s models.SessionSummary, _ int) int { return s.Port })...)
	ports = lo.Uniq(ports)
	sort.Ints(ports)
	return ports
}

// cycleFilter steps through all ports then back to no filter
func (m *Model) cycleFilter() {
	ports := m.knownPorts()
	if len(ports) == 0 {
		return
	}
	next := ports[0]
	if m.filter.Port != 0 {
		i := lo.IndexOf(ports, m.filter.Port)
		if i == len(ports)-1 {
			next = 0
		} else {
			next = ports[i+1]
		}
	}
	m.filter.Port = next
	m.applyFilter()
	if m.viewMode == ViewModeLines {
		m.jumpToEnd()
	}
}

func (m *Model) applyFilter() {
	m.filteredLines = lo.Filter(m.lines, func(l models.NormalizedLine, _ int) bool {
		return m.matchesFilter(l)
	})

	if m.viewMode != ViewModeLines {
		return
	}
	if m.follow || m.selectedIndex >= len(m.filteredLines) {
		m.selectedIndex = len(m.filteredLines) - 1
	}
	if m.selectedIndex < 0 {
		m.selectedIndex = 0
	}
	m.ensureSelectedVisible()
}

func (m *Model) matchesFilter(line models.NormalizedLine) bool {
	return m.filter.Port == 0 || line.Port == m.filter.Port
}

func (m *Model) clearLines() {
	m.lines = m.lines[:0]
	m.filteredLines = m.filteredLines[:0]
	m.selectedIndex = 0
	m.scrollOffset = 0
	m.follow = true
	m.stats = Stats{LastUpdate: time.Now()}
}

func (m *Model) scrollDown(lines int) {
	maxOffset := lo.Max([]int{m.itemCount() - m.viewportHeight() + 1, 0})

	m.scrollOffset += lines
	if m.scrollOffset > maxOffset {
		m.scrollOffset = maxOffset
	}
}

func (m *Model) scrollUp(lines int) {
	m.scrollOffset -= lines
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

func (m *Model) ensureSelectedVisible() {
	// one row of the viewport is the column header
	rows := m.viewportHeight() - 1
	if rows < 1 {
		rows = 1
	}

	if m.selectedIndex < m.scrollOffset {
		m.scrollOffset = m.selectedIndex
	} else if m.selectedIndex >= m.scrollOffset+rows {
		m.scrollOffset = m.selectedIndex - rows + 1
	}
}

func (m *Model) viewportHeight() int {
	// header, stats, footer and separators
	return m.height - 4
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showHelp {
		return m.renderHelp()
	}

	var s strings.Builder

	s.WriteString(m.renderHeader())
	s.WriteString("\n")
	s.WriteString(m.renderStats())
	s.WriteString("\n")

	if m.viewMode == ViewModeLines {
		s.WriteString(m.renderLineList())
	} else {
		s.WriteString(m.renderSessionList())
	}

	s.WriteString("\n")
	s.WriteString(m.renderFooter())

	return s.String()
}

func (m *Model) renderHeader() string {
	title := " consoletap "
	status := m.connectionStatus
	if status == "" {
		status = "Disconnected"
	}

	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	if m.connected {
		statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	} else if strings.Contains(status, "Connecting") || strings.Contains(status, "Reconnecting") {
		statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Padding(0, 1).
		Render(title)

	status = truncateString(status, lo.Max([]int{m.width/2 - 2, 8}))
	statusText := statusStyle.Padding(0, 1).Render(status)

	gap := lo.Max([]int{m.width - lipgloss.Width(header) - lipgloss.Width(statusText), 0})
	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Top,
		header,
		lipgloss.NewStyle().Width(gap).Render(""),
		statusText,
	)

	return lipgloss.NewStyle().
		Width(m.width).
		Background(lipgloss.Color("235")).
		Render(headerLine)
}

func (m *Model) renderStats() string {
	var stats string
	if m.viewMode == ViewModeLines {
		filter := "all ports"
		if m.filter.Port != 0 {
			filter = fmt.Sprintf("port %d", m.filter.Port)
		}
		stats = fmt.Sprintf(
			" Lines: %d (%s %d / %s %d) | Showing: %d/%d | Filter: %s",
			m.stats.TotalLines,
			models.GlyphIncoming, m.stats.Incoming,
			models.GlyphOutgoing, m.stats.Outgoing,
			len(m.filteredLines),
			len(m.lines),
			filter,
		)
	} else {
		active := lo.CountBy(m.sessions, func(s models.SessionSummary) bool {
			return s.IsActive(activeWindow)
		})
		stats = fmt.Sprintf(" Sessions: %d active / %d total", active, len(m.sessions))
	}

	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Width(m.width).
		Padding(0, 1).
		Render(stats)
}

func (m *Model) renderEmpty(message string) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Align(lipgloss.Center).
		Width(m.width).
		Height(m.viewportHeight()).
		Render(message)
}

func (m *Model) renderLineList() string {
	viewHeight := m.viewportHeight()

	if len(m.filteredLines) == 0 {
		message := "No console traffic captured yet"
		if !m.connected && m.connectionError != "" {
			message = fmt.Sprintf("Not connected to capture service\n\n%s\n\nMake sure it is running:\nsudo consoletap run", m.connectionError)
		} else if m.connected && m.filter.Port != 0 {
			message = fmt.Sprintf("No lines for port %d yet", m.filter.Port)
		} else if m.connected {
			message = "Waiting for console traffic..."
		}
		return m.renderEmpty(message)
	}

	var lines []string

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	lines = append(lines, headerStyle.Render(fmt.Sprintf("%-8s %-24s %-1s %s", "Time", "Device", "", "Text")))

	endIdx := lo.Min([]int{m.scrollOffset + viewHeight - 1, len(m.filteredLines)})
	for i := m.scrollOffset; i < endIdx; i++ {
		lines = append(lines, m.renderLine(m.filteredLines[i], i == m.selectedIndex))
	}

	for len(lines) < viewHeight {
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func (m *Model) renderLine(line models.NormalizedLine, selected bool) string {
	label := fmt.Sprintf("%s:%d", line.Device, line.Port)
	text := fmt.Sprintf("%-8s %-24s %s %s",
		line.Timestamp.Format("15:04:05"),
		truncateString(label, 24),
		line.Direction.Glyph(),
		line.Text,
	)
	text = truncateString(text, lo.Max([]int{m.width, 8}))

	style := lipgloss.NewStyle()
	switch {
	case selected:
		style = style.Background(lipgloss.Color("238")).Foreground(lipgloss.Color("255"))
	case line.Direction == models.DirectionIncoming && normalizer.HasErrorMarker(line.Text):
		style = style.Foreground(lipgloss.Color("196"))
	case line.Direction == models.DirectionIncoming:
		style = style.Foreground(lipgloss.Color("45"))
	default:
		style = style.Foreground(lipgloss.Color("213"))
	}

	return style.Width(m.width).Render(text)
}

func (m *Model) renderSessionList() string {
	viewHeight := m.viewportHeight()

	if len(m.sessions) == 0 {
		message := "No console sessions"
		if !m.connected {
			message = "Not connected to capture service"
		}
		return m.renderEmpty(message)
	}

	var lines []string

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	header := fmt.Sprintf("%-24s %-6s %-8s %-8s %-10s %s",
		"Device", "Port", "In", "Out", "Idle", "Transcript")
	lines = append(lines, headerStyle.Render(header))

	endIdx := lo.Min([]int{m.scrollOffset + viewHeight - 1, len(m.sessions)})
	for i := m.scrollOffset; i < endIdx; i++ {
		lines = append(lines, m.renderSessionLine(m.sessions[i], i == m.selectedIndex))
	}

	for len(lines) < viewHeight {
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func (m *Model) renderSessionLine(s models.SessionSummary, selected bool) string {
	idle := "-"
	if !s.LastActivity.IsZero() {
		idle = formatDuration(time.Since(s.LastActivity))
	}

	line := fmt.Sprintf("%-24s %-6d %-8d %-8d %-10s %s",
		truncateString(s.Device, 24),
		s.Port,
		s.LinesIn,
		s.LinesOut,
		idle,
		s.File,
	)
	line = truncateString(line, lo.Max([]int{m.width, 8}))

	style := lipgloss.NewStyle()
	if selected {
		style = style.Background(lipgloss.Color("238")).Foreground(lipgloss.Color("255"))
	} else if s.IsActive(activeWindow) {
		style = style.Foreground(lipgloss.Color("46"))
	} else {
		style = style.Foreground(lipgloss.Color("245"))
	}

	return style.Width(m.width).Render(line)
}

func (m *Model) renderFooter() string {
	help := " q:quit | ?:help | j/k:navigate | f:filter port | F:all ports | c:clear | tab:sessions "
	if m.viewMode == ViewModeSessions {
		help = " q:quit | ?:help | j/k:navigate | enter:show lines | r:refresh | tab:lines "
	}

	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Width(m.width).
		Align(lipgloss.Center).
		Background(lipgloss.Color("235")).
		Render(help)
}

func (m *Model) renderHelp() string {
	helpText := `
 consoletap - Help

 Navigation:
   j/↓     Move down
   k/↑     Move up
   g       Go to top
   G       Go to bottom and follow new lines
   Ctrl+d  Page down
   Ctrl+u  Page up

 Actions:
   f       Cycle the port filter
   F       Show all ports
   c       Clear captured lines
   r       Refresh session list
   enter   Show lines of the selected session
   tab     Toggle between lines/sessions view
   ?/h     Toggle this help
   q       Quit

 Press any key to return...`

	return lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Render(helpText)
}

func truncateString(s string, maxLen int) string {
	if lipgloss.Width(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) > maxLen-3 {
		r = r[:lo.Max([]int{maxLen - 3, 0})]
	}
	return string(r) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

func (m *Model) requestSessions() tea.Cmd {
	client := m.wsClient
	return func() tea.Msg {
		if client != nil {
			_ = client.RequestSessions()
		}
		return nil
	}
}
