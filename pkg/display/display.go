// Package display defines what the device core can show and provides a
// terminal renderer for simulated devices.
package display

import (
	"sync"
	"time"
)

// Display is the device screen as seen by the application.
type Display interface {
	SetStatus(status string)
	ShowNotification(text string, d time.Duration)
	SetChatMessage(role, content string)
	SetEmotion(emotion string)
	ShowQRCode(data, title, subtitle string)
	HideQRCode()
	ShowImage(img []byte)
	UpdateStatusBar(force bool)
}

// ChatLine is one line of the chat area.
type ChatLine struct {
	Role    string
	Content string
}

// QRCode is the QR code overlay.
type QRCode struct {
	Data     string
	Title    string
	Subtitle string
}

// State is a copy of everything a Screen shows.
type State struct {
	Status       string
	Emotion      string
	Chat         ChatLine
	History      []ChatLine
	Notification string
	QRCode       *QRCode
	ImageSize    int
	StatusBar    string
}

// Screen is an in-memory Display. It keeps the latest state and a bounded
// chat history, and calls OnChange after every update.
type Screen struct {
	// StatusBar provides the status bar text (network, battery, clock).
	StatusBar func() string
	// OnChange is called with the new state after each update.
	OnChange func(State)
	// HistorySize bounds the chat history. Defaults to 32.
	HistorySize int

	mu          sync.Mutex
	state       State
	noticeUntil time.Time
	now         func() time.Time
}

var _ Display = (*Screen)(nil)

func (s *Screen) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	st := s.snapshotLocked()
	onChange := s.OnChange
	s.mu.Unlock()
	if onChange != nil {
		onChange(st)
	}
}

func (s *Screen) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Screen) snapshotLocked() State {
	st := s.state
	st.History = append([]ChatLine(nil), s.state.History...)
	if s.state.QRCode != nil {
		qr := *s.state.QRCode
		st.QRCode = &qr
	}
	if !s.noticeUntil.IsZero() && s.clock().After(s.noticeUntil) {
		st.Notification = ""
	}
	return st
}

// State returns a copy of the current state.
func (s *Screen) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Screen) SetStatus(status string) {
	s.update(func(st *State) { st.Status = status })
}

func (s *Screen) ShowNotification(text string, d time.Duration) {
	s.update(func(st *State) {
		st.Notification = text
		s.noticeUntil = s.clock().Add(d)
	})
}

func (s *Screen) SetChatMessage(role, content string) {
	s.update(func(st *State) {
		st.Chat = ChatLine{Role: role, Content: content}
		if content == "" {
			return
		}
		n := s.HistorySize
		if n <= 0 {
			n = 32
		}
		st.History = append(st.History, st.Chat)
		if len(st.History) > n {
			st.History = st.History[len(st.History)-n:]
		}
	})
}

func (s *Screen) SetEmotion(emotion string) {
	s.update(func(st *State) { st.Emotion = emotion })
}

func (s *Screen) ShowQRCode(data, title, subtitle string) {
	s.update(func(st *State) {
		st.QRCode = &QRCode{Data: data, Title: title, Subtitle: subtitle}
	})
}

func (s *Screen) HideQRCode() {
	s.update(func(st *State) { st.QRCode = nil })
}

func (s *Screen) ShowImage(img []byte) {
	s.update(func(st *State) { st.ImageSize = len(img) })
}

func (s *Screen) UpdateStatusBar(force bool) {
	fn := s.StatusBar
	if fn == nil {
		return
	}
	text := fn()
	s.mu.Lock()
	unchanged := s.state.StatusBar == text
	s.mu.Unlock()
	if unchanged && !force {
		return
	}
	s.update(func(st *State) { st.StatusBar = text })
}

// Nop discards everything.
type Nop struct{}

var _ Display = Nop{}

func (Nop) SetStatus(string)                       {}
func (Nop) ShowNotification(string, time.Duration) {}
func (Nop) SetChatMessage(string, string)          {}
func (Nop) SetEmotion(string)                      {}
func (Nop) ShowQRCode(string, string, string)      {}
func (Nop) HideQRCode()                            {}
func (Nop) ShowImage([]byte)                       {}
func (Nop) UpdateStatusBar(bool)                   {}
