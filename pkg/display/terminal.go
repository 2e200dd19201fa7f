package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the terminal color scheme.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Alert   lipgloss.Color
}

// DefaultTheme is bright green on dim gray.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Alert:   lipgloss.Color("#ff5f5f"),
}

type styles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	border lipgloss.Style
	dim    lipgloss.Style
	alert  lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		label:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		border: lipgloss.NewStyle().Foreground(t.Primary),
		dim:    lipgloss.NewStyle().Foreground(t.Dim),
		alert:  lipgloss.NewStyle().Bold(true).Foreground(t.Alert),
	}
}

// Terminal is a Display that redraws a boxed frame on w after every change.
type Terminal struct {
	Screen

	title  string
	width  int
	height int
	clear  bool
	st     styles
	log    func() []string

	mu sync.Mutex
	w  io.Writer
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithSize sets the frame size in cells. Defaults to 60x20.
func WithSize(width, height int) TerminalOption {
	return func(t *Terminal) { t.width, t.height = width, height }
}

// WithTheme sets the colors.
func WithTheme(th Theme) TerminalOption {
	return func(t *Terminal) { t.st = newStyles(th) }
}

// WithClear makes every redraw clear the screen first.
func WithClear(clear bool) TerminalOption {
	return func(t *Terminal) { t.clear = clear }
}

// WithLog adds a section showing the tail of lines().
func WithLog(lines func() []string) TerminalOption {
	return func(t *Terminal) { t.log = lines }
}

// NewTerminal creates a Terminal writing to w. With a nil w the frame is
// only drawn on Render.
func NewTerminal(w io.Writer, title string, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		title:  title,
		width:  60,
		height: 20,
		st:     newStyles(DefaultTheme),
		w:      w,
	}
	for _, opt := range opts {
		opt(t)
	}
	if w != nil {
		t.OnChange = t.draw
	}
	return t
}

// Resize changes the frame size used by later renders.
func (t *Terminal) Resize(width, height int) {
	t.mu.Lock()
	t.width, t.height = max(width, 20), max(height, 10)
	t.mu.Unlock()
}

func (t *Terminal) draw(st State) {
	frame := t.Render(st)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clear {
		io.WriteString(t.w, "\x1b[H\x1b[2J")
	}
	io.WriteString(t.w, frame+"\n")
}

// Render draws st as a frame of the configured size.
func (t *Terminal) Render(st State) string {
	t.mu.Lock()
	width, height := t.width, t.height
	t.mu.Unlock()
	bc := t.st.border
	inner := width - 4

	var lines []string
	lines = append(lines, bc.Render("╭"+strings.Repeat("─", width-2)+"╮"))

	title := t.st.title.Render(t.title)
	status := t.st.dim.Render("[" + st.Status + "]")
	pad := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(status))
	lines = append(lines, bc.Render("│")+" "+title+" "+status+strings.Repeat(" ", pad)+" "+bc.Render("│"))

	sections := []struct {
		label string
		body  []string
	}{
		{"Device", t.deviceLines(st)},
		{"Chat", chatLines(st.History)},
	}
	if st.QRCode != nil {
		sections = append(sections, struct {
			label string
			body  []string
		}{"QR", []string{st.QRCode.Title, st.QRCode.Data, st.QRCode.Subtitle}})
	}
	if t.log != nil {
		sections = append(sections, struct {
			label string
			body  []string
		}{"Log", t.log()})
	}
	avail := height - 3 - len(sections)
	per := max(avail/len(sections), 2)
	for _, sec := range sections {
		lines = append(lines, t.section(sec.label, sec.body, per, width, inner)...)
	}
	lines = append(lines, bc.Render("╰"+strings.Repeat("─", width-2)+"╯"))
	return strings.Join(lines, "\n")
}

func (t *Terminal) deviceLines(st State) []string {
	lines := []string{
		"emotion: " + st.Emotion,
	}
	if st.StatusBar != "" {
		lines = append(lines, st.StatusBar)
	}
	if st.Notification != "" {
		lines = append(lines, t.st.alert.Render("! "+st.Notification))
	}
	if st.ImageSize > 0 {
		lines = append(lines, fmt.Sprintf("image: %d bytes", st.ImageSize))
	}
	return lines
}

func chatLines(history []ChatLine) []string {
	lines := make([]string, 0, len(history))
	for _, l := range history {
		lines = append(lines, l.Role+"> "+l.Content)
	}
	return lines
}

func (t *Terminal) section(label string, content []string, height, width, inner int) []string {
	bc := t.st.border
	labelText := t.st.label.Render(label)
	pad := max(0, width-3-lipgloss.Width(labelText))
	lines := []string{
		bc.Render("├") + bc.Render("─") + labelText + bc.Render(strings.Repeat("─", pad)) + bc.Render("┤"),
	}

	// Tail of the content.
	start := max(0, len(content)-height)
	for i := 0; i < height; i++ {
		text := ""
		if idx := start + i; idx < len(content) {
			text = content[idx]
		}
		if inner > 1 && lipgloss.Width(text) > inner {
			text = truncate(text, inner-1) + "…"
		}
		lines = append(lines, bc.Render("│")+" "+text+
			strings.Repeat(" ", max(0, inner-lipgloss.Width(text)))+" "+bc.Render("│"))
	}
	return lines
}

func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	w := 0
	for i, r := range runes {
		rw := lipgloss.Width(string(r))
		if w+rw > width {
			return string(runes[:i])
		}
		w += rw
	}
	return s
}
