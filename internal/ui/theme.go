package ui

import (
	"github.com/gdamore/tcell/v2"

	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

// Theme colors for the TUI.
var (
	ColorBackground      = tcell.NewHexColor(0x1e1e2e)
	ColorBackgroundPanel = tcell.NewHexColor(0x181825)
	ColorBackgroundElem  = tcell.NewHexColor(0x313244)
	ColorPrimary         = tcell.NewHexColor(0x89b4fa) // blue
	ColorAccent          = tcell.NewHexColor(0xcba6f7) // mauve
	ColorText            = tcell.NewHexColor(0xcdd6f4)
	ColorTextMuted       = tcell.NewHexColor(0x6c7086)
	ColorSuccess         = tcell.NewHexColor(0xa6e3a1) // green
	ColorWarning         = tcell.NewHexColor(0xf9e2af) // yellow
	ColorError           = tcell.NewHexColor(0xf38ba8) // red
	ColorBorder          = tcell.NewHexColor(0x45475a)
	ColorSelected        = tcell.NewHexColor(0x89b4fa)
	ColorSelectedText    = tcell.NewHexColor(0x1e1e2e)
)

// Status icons
const (
	IconRunning   = "●"
	IconStarted   = "◐"
	IconQueued    = "○"
	IconCompleted = "✓"
	IconCancelled = "◻"
	IconFailed    = "✗"
)

func StatusIcon(status execution.Status) (string, tcell.Color) {
	switch status {
	case execution.StatusRunning:
		return IconRunning, ColorPrimary
	case execution.StatusStarted:
		return IconStarted, ColorAccent
	case execution.StatusCompleted:
		return IconCompleted, ColorSuccess
	case execution.StatusFailed:
		return IconFailed, ColorError
	case execution.StatusCancelled:
		return IconCancelled, ColorWarning
	default:
		return IconQueued, ColorTextMuted
	}
}

func QueueIcon(status execution.QueueStatus) (string, tcell.Color) {
	if status == execution.QueueStatusStarting {
		return "⟳", ColorAccent
	}
	return IconQueued, ColorTextMuted
}

// ConnectionTag is the tview color tag for a connection status.
func ConnectionTag(st wsclient.Status) string {
	switch st {
	case wsclient.StatusConnected:
		return "[green]"
	case wsclient.StatusConnecting:
		return "[blue]"
	case wsclient.StatusDisconnected:
		return "[yellow]"
	default:
		return "[red]"
	}
}
