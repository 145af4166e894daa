package tui

import "github.com/charmbracelet/lipgloss"

const backdrop = lipgloss.Color("#120924")

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	badge       lipgloss.Style
	badgeMuted  lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
	original    lipgloss.Style
	pick        lipgloss.Style
	modalFrame  lipgloss.Style
	alertFrame  lipgloss.Style
	accent      lipgloss.Style
	moderator   lipgloss.Style
	// speakers is indexed by the participant's position in the sorted
	// speaker ids.
	speakers []lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	gold := lipgloss.Color("#ffd166")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(backdrop).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		badge: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		badgeMuted: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText: lipgloss.NewStyle().Foreground(muted),
		original: lipgloss.NewStyle().Foreground(muted).Italic(true),
		pick:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		alertFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(pink).
			Padding(1, 2),
		accent:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		moderator: lipgloss.NewStyle().Foreground(mint).Bold(true),
		speakers: []lipgloss.Style{
			lipgloss.NewStyle().Foreground(pink).Bold(true),
			lipgloss.NewStyle().Foreground(blue).Bold(true),
			lipgloss.NewStyle().Foreground(gold).Bold(true),
			lipgloss.NewStyle().Foreground(lipgloss.Color("#b967ff")).Bold(true),
		},
	}
}
