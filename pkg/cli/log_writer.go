package cli

import (
	"strings"
	"sync"
)

// LogWriter is an io.Writer keeping the last lines written, for showing logs
// under a TUI frame.
type LogWriter struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogWriter keeps up to maxLines lines. maxLines below 1 keeps one.
func NewLogWriter(maxLines int) *LogWriter {
	return &LogWriter{lines: make([]string, max(maxLines, 1))}
}

// Write splits p on newlines and keeps every line.
func (w *LogWriter) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(text, "\n") {
		w.lines[w.next] = line
		w.next++
		if w.next == len(w.lines) {
			w.next = 0
			w.full = true
		}
	}
	return len(p), nil
}

// Lines returns the kept lines, oldest first.
func (w *LogWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]string(nil), w.lines[:w.next]...)
	}
	out := make([]string, 0, len(w.lines))
	out = append(out, w.lines[w.next:]...)
	return append(out, w.lines[:w.next]...)
}
