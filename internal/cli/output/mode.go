// Package output renders command results for terminals, pipes and machines.
package output

import (
	"io"
	"os"

	"golang.org/x/term"
)

// Mode selects how results are written.
type Mode string

// Output modes.
const (
	// ModeAuto picks text on a terminal and markdown otherwise.
	ModeAuto     Mode = "auto"
	ModeText     Mode = "text"
	ModeMarkdown Mode = "markdown"
	ModeJSON     Mode = "json"
)

// Valid reports whether m is a known mode. The empty mode counts as auto.
func (m Mode) Valid() bool {
	switch m {
	case "", ModeAuto, ModeText, ModeMarkdown, ModeJSON:
		return true
	}
	return false
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// Resolve turns auto into a concrete mode for w.
func Resolve(m Mode, w io.Writer) Mode {
	switch m {
	case ModeText, ModeMarkdown, ModeJSON:
		return m
	}
	if IsTerminal(w) {
		return ModeText
	}
	return ModeMarkdown
}
