package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the chat client.
type Theme struct {
	User      lipgloss.Style
	Assistant lipgloss.Style
	Tool      lipgloss.Style
	Notice    lipgloss.Style
	Failed    lipgloss.Style
	Running   lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		User:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")),
		Tool:      lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Notice:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
