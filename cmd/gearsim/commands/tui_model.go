package commands

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/haivivi/gearfw/pkg/cli"
	"github.com/haivivi/gearfw/pkg/display"
)

const (
	tuiRefresh  = 250 * time.Millisecond
	logPaneRows = 8
)

const tuiHelp = "t/enter=chat  w=wake  l/s=listen/stop  v=voice  a=aec  d/r=net  x=abort  b=reboot  q=quit  ↑/↓=log"

// tuiModel drives the running device from the keyboard and draws its
// screen above a scrollable log pane.
type tuiModel struct {
	current *atomic.Pointer[device]
	logs    *cli.LogWriter

	logView viewport.Model
	help    lipgloss.Style
	width   int
	height  int

	plain    bool
	quitting bool
	err      error
}

func newTUIModel(current *atomic.Pointer[device], logs *cli.LogWriter, plain bool) tuiModel {
	return tuiModel{
		current: current,
		logs:    logs,
		logView: viewport.New(60, logPaneRows),
		help:    lipgloss.NewStyle().Foreground(display.DefaultTheme.Dim),
		width:   60,
		height:  20 + logPaneRows,
		plain:   plain,
	}
}

// tickMsg refreshes the frame and the log pane.
type tickMsg time.Time

// bootMsg is sent every time a device powers on.
type bootMsg struct{}

// exitMsg is sent when the device stops on its own.
type exitMsg struct{ err error }

func (m tuiModel) Init() tea.Cmd {
	return m.tick()
}

func (m tuiModel) tick() tea.Cmd {
	return tea.Tick(tuiRefresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.logView, cmd = m.logView.Update(msg)
			return m, cmd
		}
		d := m.current.Load()
		if d == nil {
			return m, nil
		}
		if d.exec(keyCommand(msg)) {
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()

	case tickMsg:
		m.refreshLog()
		return m, m.tick()

	case bootMsg:
		m.resize()

	case exitMsg:
		m.err = msg.err
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// keyCommand maps a key press to a device command.
func keyCommand(k tea.KeyMsg) string {
	switch k.Type {
	case tea.KeyEnter, tea.KeySpace:
		return "t"
	case tea.KeyRunes:
		return string(k.Runes)
	}
	return k.String()
}

func (m *tuiModel) resize() {
	frameRows := max(m.height-logPaneRows-2, 10)
	if d := m.current.Load(); d != nil && d.term != nil {
		d.term.Resize(m.width, frameRows)
	}
	m.logView.Width = m.width
	m.logView.Height = logPaneRows
	m.refreshLog()
}

func (m *tuiModel) refreshLog() {
	if m.logs == nil {
		return
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(strings.Join(m.logs.Lines(), "\n"))
	if atBottom {
		m.logView.GotoBottom()
	}
}

func (m tuiModel) View() string {
	if m.quitting || m.plain {
		return ""
	}
	d := m.current.Load()
	if d == nil || d.term == nil {
		return "booting...\n"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		d.term.Render(d.term.State()),
		m.logView.View(),
		m.help.Render(tuiHelp),
	)
}
