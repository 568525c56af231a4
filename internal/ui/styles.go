// Package ui renders terminal output for the quill CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"})
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(14)
)

// SetupColor picks the color profile for w. Colors are off when w is not a
// terminal, when NO_COLOR is set, or when mode is "never"; "always" forces
// them on.
func SetupColor(w io.Writer, mode string) {
	var profile termenv.Profile
	switch mode {
	case "never":
		profile = termenv.Ascii
	case "always":
		profile = termenv.TrueColor
	default:
		profile = termenv.NewOutput(w, termenv.WithColorCache(true)).EnvColorProfile()
	}
	lipgloss.SetColorProfile(profile)
	if profile != termenv.Ascii {
		lipgloss.SetHasDarkBackground(termenv.HasDarkBackground())
	}
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Field formats an aligned "label value" line.
func Field(label string, value any) string {
	return labelStyle.Render(label+":") + " " + fmt.Sprint(value)
}

// Errorf prints an error line to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", RenderFail("✗"), fmt.Sprintf(format, args...))
}

// Ago renders t relative to now, e.g. "3m ago".
func Ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return t.Local().Format("2006-01-02 15:04:05")
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

// Size renders a byte count for humans.
func Size(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// Table renders rows as left-aligned columns separated by two spaces.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	var b strings.Builder
	line := func(cells []string, style func(string) string) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			b.WriteString(style(cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}
	line(header, func(s string) string { return lipgloss.NewStyle().Bold(true).Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
	return b.String()
}
