package commands

import (
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/haivivi/gearfw/pkg/application"
	"github.com/haivivi/gearfw/pkg/audiosvc"
	"github.com/haivivi/gearfw/pkg/board"
	"github.com/haivivi/gearfw/pkg/cli"
	"github.com/haivivi/gearfw/pkg/display"
)

func newTestDevice(t *testing.T) *device {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	term := display.NewTerminal(nil, appName)
	brd := board.NewSim(board.SimConfig{Display: term, Logger: logger})
	audio := audiosvc.NewSim(audiosvc.SimConfig{Logger: logger})
	app, err := application.New(application.Config{Board: brd, Audio: audio, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { app.Close() })
	return &device{app: app, audio: audio, board: brd, term: term, logger: logger}
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestTUIModel_Keys(t *testing.T) {
	d := newTestDevice(t)
	var current atomic.Pointer[device]
	current.Store(d)
	var m tea.Model = newTUIModel(&current, cli.NewLogWriter(10), false)

	m, cmd := m.Update(runeKey('a'))
	if isQuit(cmd) {
		t.Error("key a should not quit")
	}
	if got := d.app.AecMode(); got != application.AecOnDeviceSide {
		t.Errorf("AecMode = %v; want device", got)
	}

	m, _ = m.Update(runeKey('d'))
	if got := d.board.NetworkStateIcon(); got != "wifi_off" {
		t.Errorf("network icon after key d = %q; want wifi_off", got)
	}
	m, _ = m.Update(runeKey('r'))
	if got := d.board.NetworkStateIcon(); got != "wifi" {
		t.Errorf("network icon after key r = %q; want wifi", got)
	}

	if _, cmd = m.Update(runeKey('q')); !isQuit(cmd) {
		t.Error("key q should quit")
	}
	if _, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); !isQuit(cmd) {
		t.Error("ctrl+c should quit")
	}
}

func TestTUIModel_KeyCommand(t *testing.T) {
	tests := []struct {
		key  tea.KeyMsg
		want string
	}{
		{tea.KeyMsg{Type: tea.KeyEnter}, "t"},
		{tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}, "t"},
		{runeKey('w'), "w"},
		{runeKey('x'), "x"},
	}
	for _, tt := range tests {
		if got := keyCommand(tt.key); got != tt.want {
			t.Errorf("keyCommand(%v) = %q; want %q", tt.key, got, tt.want)
		}
	}
}

func TestTUIModel_View(t *testing.T) {
	var current atomic.Pointer[device]
	logs := cli.NewLogWriter(10)
	var m tea.Model = newTUIModel(&current, logs, false)
	if got := m.View(); !strings.Contains(got, "booting") {
		t.Errorf("View() before boot = %q; want booting", got)
	}

	d := newTestDevice(t)
	current.Store(d)
	d.term.SetStatus("Standby")
	logs.Write([]byte("level=INFO msg=\"hub connected\"\n"))

	m, _ = m.Update(bootMsg{})
	m, _ = m.Update(tea.WindowSizeMsg{Width: 72, Height: 30})
	m, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Error("tick did not schedule the next one")
	}
	view := m.View()
	for _, want := range []string{appName, "Standby", "hub connected", "q=quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() lacks %q", want)
		}
	}

	plain := newTUIModel(&current, logs, true)
	if got := plain.View(); got != "" {
		t.Errorf("plain View() = %q; want empty", got)
	}
}

func TestTUIModel_Exit(t *testing.T) {
	var current atomic.Pointer[device]
	var m tea.Model = newTUIModel(&current, nil, false)

	// Keys before the first boot are ignored.
	if _, cmd := m.Update(runeKey('t')); cmd != nil {
		t.Error("key before boot returned a command")
	}

	m, cmd := m.Update(exitMsg{})
	if !isQuit(cmd) {
		t.Error("exitMsg should quit")
	}
	if got := m.View(); got != "" {
		t.Errorf("View() after exit = %q; want empty", got)
	}
}
