// Package tray provides system tray integration using fyne.io/systray.
package tray

import (
	"log/slog"

	"fyne.io/systray"
)

// Tray represents the system tray icon and menu.
type Tray struct {
	logger *slog.Logger

	// Callbacks
	onToggle func(enabled bool)
	onQuit   func()

	// State
	enabled bool

	statusItem *systray.MenuItem
}

// Config holds tray configuration.
type Config struct {
	Enabled  bool
	OnToggle func(enabled bool)
	OnQuit   func()
	Logger   *slog.Logger
}

// New creates a new system tray icon.
func New(cfg Config) *Tray {
	return &Tray{
		enabled:  cfg.Enabled,
		onToggle: cfg.OnToggle,
		onQuit:   cfg.OnQuit,
		logger:   cfg.Logger,
	}
}

// Run starts the system tray. This blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetTitle("Keyshift")
	t.updateTooltip()

	t.statusItem = systray.AddMenuItem("✓ Enabled", "Toggle key remapping")
	if !t.enabled {
		t.statusItem.SetTitle("✗ Disabled")
	}

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Exit Keyshift")

	go t.handleClicks(quitItem)
}

// handleClicks processes menu item clicks.
func (t *Tray) handleClicks(quitItem *systray.MenuItem) {
	for {
		select {
		case <-t.statusItem.ClickedCh:
			t.toggleEnabled()

		case <-quitItem.ClickedCh:
			if t.onQuit != nil {
				t.onQuit()
			}
			systray.Quit()
			return
		}
	}
}

// toggleEnabled toggles the enabled state.
func (t *Tray) toggleEnabled() {
	t.enabled = !t.enabled

	if t.enabled {
		t.statusItem.SetTitle("✓ Enabled")
	} else {
		t.statusItem.SetTitle("✗ Disabled")
	}
	t.updateTooltip()

	if t.onToggle != nil {
		t.onToggle(t.enabled)
	}
}

// updateTooltip updates the tray tooltip.
func (t *Tray) updateTooltip() {
	status := "Enabled"
	if !t.enabled {
		status = "Disabled"
	}
	systray.SetTooltip("Keyshift: " + status)
}

// onExit is called when systray is exiting.
func (t *Tray) onExit() {
	t.logger.Info("tray exiting")
}

// Quit stops the system tray.
func (t *Tray) Quit() {
	systray.Quit()
}
