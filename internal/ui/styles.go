package ui

import "github.com/charmbracelet/lipgloss"

// Color palette. One accent color keeps the output readable on both
// light and dark terminals.
const (
	ColorCyan     = "45"  // Primary accent - scores and headers
	ColorWhite    = "255" // Chunk text
	ColorGray     = "245" // Metadata, labels
	ColorDarkGray = "238" // Separators
	ColorRed      = "196" // Errors
	ColorYellow   = "220" // Warnings
)

// Styles holds the lipgloss styles used for CLI rendering.
type Styles struct {
	Header  lipgloss.Style
	Score   lipgloss.Style
	Source  lipgloss.Style
	Label   lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
}

// DefaultStyles returns styled components for TTY output.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorCyan)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorCyan)),
		Source:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Score:   lipgloss.NewStyle(),
		Source:  lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
	}
}

// GetStyles returns the appropriate styles for the output mode.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
