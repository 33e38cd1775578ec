package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"navi-client/internal/app"
	"navi-client/internal/stream"
)

// EventApplied tells the watch model the session folded another event.
type EventApplied struct{}

// StreamClosed tells the watch model the input stream ended.
type StreamClosed struct{ Err error }

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	phaseStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	phaseColors = map[stream.Phase]lipgloss.Color{
		stream.PhaseIdle:      lipgloss.Color("240"),
		stream.PhaseThinking:  lipgloss.Color("63"),
		stream.PhaseReading:   lipgloss.Color("39"),
		stream.PhaseExecuting: lipgloss.Color("214"),
		stream.PhaseVerifying: lipgloss.Color("135"),
		stream.PhaseFixing:    lipgloss.Color("203"),
		stream.PhaseComplete:  lipgloss.Color("42"),
	}
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

// WatchModel renders the live derived state of one session. It only ever
// consumes Session snapshots; all folding happens outside the UI.
type WatchModel struct {
	session *app.Session
	state   stream.State
	spin    spinner.Model
	width   int
	closed  bool
	err     error
}

func NewWatchModel(session *app.Session) *WatchModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = runningStyle
	return &WatchModel{
		session: session,
		state:   session.Snapshot(),
		spin:    spin,
		width:   80,
	}
}

func (m *WatchModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case EventApplied:
		m.state = m.session.Snapshot()
		return m, nil
	case StreamClosed:
		m.closed = true
		m.err = msg.Err
		m.state = m.session.Snapshot()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) View() string {
	var b strings.Builder

	phase := m.state.Phase
	badge := phaseStyle.Background(phaseColors[phase]).Render(strings.ToUpper(string(phase)))
	b.WriteString(titleStyle.Render("navi") + " " + badge)
	if m.state.FixAttempts > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  fix attempt %d", m.state.FixAttempts)))
	}
	b.WriteString("\n\n")

	for _, act := range m.state.Activities {
		b.WriteString(m.renderActivity(act))
		b.WriteString("\n")
	}

	if len(m.state.FilesRead)+len(m.state.FilesModified)+len(m.state.FilesCreated) > 0 {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(fmt.Sprintf(
			"files: %d read, %d modified, %d created",
			len(m.state.FilesRead), len(m.state.FilesModified), len(m.state.FilesCreated),
		)))
		b.WriteString("\n")
	}

	if tail := narrativeTail(m.state.Narratives, 3); len(tail) > 0 {
		b.WriteString("\n")
		for _, entry := range tail {
			b.WriteString(mutedStyle.Render("› "+truncate(entry.Text, m.width-2)) + "\n")
		}
	}

	if m.state.LastError != "" {
		b.WriteString("\n" + errStyle.Render("error: "+m.state.LastError) + "\n")
	}

	switch {
	case m.closed && m.err != nil:
		b.WriteString(footerStyle.Render("stream error: " + m.err.Error() + " — press q to quit"))
	case m.closed:
		b.WriteString(footerStyle.Render("stream ended — press q to quit"))
	default:
		b.WriteString(footerStyle.Render("press q to quit"))
	}
	return b.String()
}

func (m *WatchModel) renderActivity(act stream.Activity) string {
	var marker string
	switch act.Status {
	case stream.StatusDone:
		marker = doneStyle.Render("✓")
	case stream.StatusError:
		marker = errStyle.Render("✗")
	default:
		marker = m.spin.View()
	}
	label := act.Label
	if label == "" {
		label = act.Kind
	}
	line := fmt.Sprintf("%s %s", marker, label)
	if act.Detail != "" {
		line += mutedStyle.Render("  " + truncate(act.Detail, m.width-len(label)-6))
	}
	return line
}

func narrativeTail(entries []stream.NarrativeEntry, n int) []stream.NarrativeEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max < 4 {
		max = 4
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
