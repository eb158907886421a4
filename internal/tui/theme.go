// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// =============================================================================
// PALETTE
// =============================================================================

var (
	purple        = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	cyan          = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}
	emerald       = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}
	rose          = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}
	amber         = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}
	surfaceDim    = lipgloss.AdaptiveColor{Light: "#F5F5F5", Dark: "#181825"}
	overlay       = lipgloss.AdaptiveColor{Light: "#E5E5E5", Dark: "#313244"}
	textPrimary   = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}
	textSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}
	textMuted     = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}
)

// =============================================================================
// THEME
// =============================================================================

// Theme holds the styles of every screen element.
type Theme struct {
	IsDark bool
	// Glamour is the markdown style name for assistant messages.
	Glamour string

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserText       lipgloss.Style
	ErrorText      lipgloss.Style

	StatusBar    lipgloss.Style
	StatusReady  lipgloss.Style
	StatusBusy   lipgloss.Style
	StatusModel  lipgloss.Style
	Notice       lipgloss.Style
	Hint         lipgloss.Style
	InputBorder  lipgloss.Style
	ListBox      lipgloss.Style
	ListItem     lipgloss.Style
	ListSelected lipgloss.Style
	ListMeta     lipgloss.Style
	Spinner      lipgloss.Style
}

// NewTheme builds the theme for "dark", "light" or "auto". Auto asks the
// terminal for its background.
func NewTheme(name string) *Theme {
	var isDark bool
	switch strings.ToLower(name) {
	case "dark":
		isDark = true
	case "light":
		isDark = false
	default:
		isDark = termenv.HasDarkBackground()
	}
	lipgloss.SetHasDarkBackground(isDark)

	t := &Theme{IsDark: isDark, Glamour: "light"}
	if isDark {
		t.Glamour = "dark"
	}

	t.Header = lipgloss.NewStyle().
		Background(surfaceDim).
		Foreground(textPrimary).
		Padding(0, 1)
	t.HeaderTitle = lipgloss.NewStyle().Foreground(cyan).Bold(true)

	t.UserLabel = lipgloss.NewStyle().Foreground(cyan).Bold(true)
	t.AssistantLabel = lipgloss.NewStyle().Foreground(purple).Bold(true)
	t.UserText = lipgloss.NewStyle().Foreground(textPrimary).PaddingLeft(2)
	t.ErrorText = lipgloss.NewStyle().Foreground(rose).PaddingLeft(2)

	t.StatusBar = lipgloss.NewStyle().
		Background(surfaceDim).
		Foreground(textSecondary).
		Padding(0, 1)
	t.StatusReady = lipgloss.NewStyle().Foreground(emerald).Bold(true)
	t.StatusBusy = lipgloss.NewStyle().Foreground(amber).Bold(true)
	t.StatusModel = lipgloss.NewStyle().Foreground(purple)
	t.Notice = lipgloss.NewStyle().Foreground(rose)
	t.Hint = lipgloss.NewStyle().Foreground(textMuted)
	t.InputBorder = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(overlay).
		Padding(0, 1)

	t.ListBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(purple).
		Padding(0, 1)
	t.ListItem = lipgloss.NewStyle().Foreground(textPrimary).PaddingLeft(2)
	t.ListSelected = lipgloss.NewStyle().Foreground(cyan).Bold(true).PaddingLeft(0)
	t.ListMeta = lipgloss.NewStyle().Foreground(textMuted)
	t.Spinner = lipgloss.NewStyle().Foreground(purple)
	return t
}
