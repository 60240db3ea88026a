package utils

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	OrangeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff7c28"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	LightGreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06ff00"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
	LightBlueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3cc5ff"))
	BlueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0c00cc"))
	CyanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00c8c8"))
	PurpleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7400e0"))
	GrayStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#adadad"))

	// tagStyles maps the display tags that may be assigned to servers in the inventory to a style.
	tagStyles = map[string]lipgloss.Style{
		"red":    RedStyle,
		"orange": OrangeStyle,
		"yellow": YellowStyle,
		"green":  GreenStyle,
		"blue":   LightBlueStyle,
		"cyan":   CyanStyle,
		"purple": PurpleStyle,
		"gray":   GrayStyle,
		"grey":   GrayStyle,
	}
)

// StyleForTag returns the style associated with a display tag, or an unstyled lipgloss.Style if the tag is unknown.
func StyleForTag(tag string) lipgloss.Style {
	if style, ok := tagStyles[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return style
	}

	return lipgloss.NewStyle()
}
