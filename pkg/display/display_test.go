package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func TestScreen_State(t *testing.T) {
	var changes int
	s := &Screen{OnChange: func(State) { changes++ }, HistorySize: 2}

	s.SetStatus("standby")
	s.SetEmotion("neutral")
	s.SetChatMessage("user", "hello")
	s.SetChatMessage("assistant", "hi")
	s.SetChatMessage("system", "")
	s.SetChatMessage("assistant", "bye")

	st := s.State()
	if st.Status != "standby" || st.Emotion != "neutral" {
		t.Errorf("status/emotion = %q/%q", st.Status, st.Emotion)
	}
	if st.Chat.Content != "bye" {
		t.Errorf("Chat = %+v; want bye", st.Chat)
	}
	if len(st.History) != 2 || st.History[0].Content != "hi" {
		t.Errorf("History = %+v; want [hi bye]", st.History)
	}
	if changes != 6 {
		t.Errorf("OnChange calls = %d; want 6", changes)
	}
}

func TestScreen_NotificationExpires(t *testing.T) {
	now := time.Unix(100, 0)
	s := &Screen{now: func() time.Time { return now }}
	s.ShowNotification("connected", 3*time.Second)
	if got := s.State().Notification; got != "connected" {
		t.Fatalf("Notification = %q; want connected", got)
	}
	now = now.Add(4 * time.Second)
	if got := s.State().Notification; got != "" {
		t.Errorf("Notification after expiry = %q; want empty", got)
	}
}

func TestScreen_QRCodeAndStatusBar(t *testing.T) {
	bar := "wifi 80%"
	var changes int
	s := &Screen{StatusBar: func() string { return bar }, OnChange: func(State) { changes++ }}

	s.UpdateStatusBar(false)
	s.UpdateStatusBar(false)
	if changes != 1 {
		t.Errorf("unchanged status bar redrawn: %d changes", changes)
	}
	s.UpdateStatusBar(true)
	if changes != 2 {
		t.Errorf("forced status bar not redrawn: %d changes", changes)
	}

	s.ShowQRCode("https://x/1", "Scan", "to pair")
	if qr := s.State().QRCode; qr == nil || qr.Data != "https://x/1" {
		t.Errorf("QRCode = %+v", qr)
	}
	s.HideQRCode()
	if s.State().QRCode != nil {
		t.Error("QRCode still shown after HideQRCode")
	}
}

func TestTerminal_Render(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, "gearsim", WithSize(40, 14))
	term.SetStatus("listening")
	term.SetChatMessage("user", "what's the weather like in a city with a very long name")

	st := term.State()
	frame := term.Render(st)
	lines := strings.Split(frame, "\n")
	for i, l := range lines {
		if w := lipgloss.Width(l); w != 40 {
			t.Errorf("line %d width = %d; want 40: %q", i, w, l)
		}
	}
	if !strings.Contains(frame, "listening") {
		t.Error("frame lacks status")
	}
	if !strings.Contains(frame, "…") {
		t.Error("long chat line not truncated")
	}
	if !strings.Contains(buf.String(), "gearsim") {
		t.Error("nothing written to the terminal")
	}
}

func TestTerminal_RenderLog(t *testing.T) {
	var buf bytes.Buffer
	logs := []string{"level=INFO msg=one", "level=INFO msg=two"}
	term := NewTerminal(&buf, "gearsim", WithSize(50, 18), WithLog(func() []string { return logs }))

	frame := term.Render(term.State())
	if !strings.Contains(frame, "Log") {
		t.Error("frame lacks the log section")
	}
	if !strings.Contains(frame, "msg=two") {
		t.Error("frame lacks the last log line")
	}
}

func TestTerminal_ResizeWithoutWriter(t *testing.T) {
	term := NewTerminal(nil, "gearsim")
	term.SetStatus("idle")
	term.Resize(44, 12)

	frame := term.Render(term.State())
	for i, l := range strings.Split(frame, "\n") {
		if w := lipgloss.Width(l); w != 44 {
			t.Errorf("line %d width = %d; want 44", i, w)
		}
	}
}
