package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Help output renders on stderr; stdout belongs to the channel controller.
var helpRenderer = lipgloss.NewRenderer(os.Stderr)

var (
	keywordStyle   = helpRenderer.NewStyle().Foreground(lipgloss.Color("211"))
	paragraphStyle = helpRenderer.NewStyle().Width(78).Padding(0, 0, 0, 2)
)

func keyword(s string) string {
	return keywordStyle.Render(s)
}

func paragraph(s string) string {
	return paragraphStyle.Render(s)
}
