package output

import "github.com/charmbracelet/lipgloss"

// Styles are the text-mode styles.
type Styles struct {
	Header  lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style

	StatusSuccess lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusSkipped lipgloss.Style
}

// DefaultStyles returns colored styles.
func DefaultStyles() *Styles {
	return &Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Bold:    lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")),

		StatusSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// PlainStyles renders every style as unstyled text.
func PlainStyles() *Styles {
	p := lipgloss.NewStyle()
	return &Styles{
		Header: p, Bold: p, Muted: p, Success: p, Warning: p, Error: p, Info: p,
		StatusSuccess: p, StatusFailed: p, StatusSkipped: p,
	}
}

// Status picks the style for a run or step status.
func (s *Styles) Status(status string) lipgloss.Style {
	switch status {
	case "completed", "success", "succeeded":
		return s.StatusSuccess
	case "failed", "cancelled":
		return s.StatusFailed
	default:
		return s.StatusSkipped
	}
}
