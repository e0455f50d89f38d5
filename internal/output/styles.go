package output

import "github.com/charmbracelet/lipgloss"

var (
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
	statusCreating = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Bold(true)
	statusStopped  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Bold(true)
	statusError    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4444")).Bold(true)
)

// StyleStatus colors a status string by state. Error statuses, and anything
// unrecognized, are red.
func StyleStatus(status string) string {
	switch status {
	case "running":
		return statusRunning.Render(status)
	case "creating":
		return statusCreating.Render(status)
	case "stopped":
		return statusStopped.Render(status)
	default:
		return statusError.Render(status)
	}
}
