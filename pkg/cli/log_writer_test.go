package cli

import (
	"fmt"
	"slices"
	"testing"
)

func TestLogWriter(t *testing.T) {
	w := NewLogWriter(3)
	if got := w.Lines(); len(got) != 0 {
		t.Errorf("Lines() = %v; want empty", got)
	}

	fmt.Fprintln(w, "one")
	fmt.Fprint(w, "two\nthree\n")
	if got := w.Lines(); !slices.Equal(got, []string{"one", "two", "three"}) {
		t.Errorf("Lines() = %v; want [one two three]", got)
	}

	fmt.Fprintln(w, "four")
	fmt.Fprintln(w, "five")
	if got := w.Lines(); !slices.Equal(got, []string{"three", "four", "five"}) {
		t.Errorf("Lines() = %v; want [three four five]", got)
	}
}

func TestLogWriter_WriteReturnsLength(t *testing.T) {
	w := NewLogWriter(0)
	n, err := w.Write([]byte("a\nb\n"))
	if n != 4 || err != nil {
		t.Errorf("Write = %d, %v; want 4, nil", n, err)
	}
	if got := w.Lines(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Lines() = %v; want [b]", got)
	}
}
