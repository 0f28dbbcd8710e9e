package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorSuccess = lipgloss.Color("#00D787")
	colorError   = lipgloss.Color("#FF5F87")
	colorWarning = lipgloss.Color("#FFAF00")
	colorMuted   = lipgloss.Color("#888888")
	colorTitle   = lipgloss.Color("#5FAFFF")

	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleTitle   = lipgloss.NewStyle().Foreground(colorTitle).Bold(true)
	styleBox     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(colorMuted).Padding(0, 1)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// paint renders text with style only when w is a terminal, so piped output
// and tests stay plain.
func paint(w io.Writer, style lipgloss.Style, text string) string {
	if !isTerminal(w) {
		return text
	}
	return style.Render(text)
}
