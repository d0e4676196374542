package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/ui/dialogs"
)

const (
	redrawInterval = time.Second
	actionTimeout  = 15 * time.Second
)

type App struct {
	tapp    *tview.Application
	pages   *tview.Pages
	dash    *Dashboard
	mon     *monitor.Monitor
	logger  *slog.Logger
	pending atomic.Bool
	stop    chan struct{}
}

// NewApp builds the terminal dashboard over mon and subscribes it to the
// monitor's events.
func NewApp(mon *monitor.Monitor, logger *slog.Logger) *App {
	a := &App{
		mon:    mon,
		logger: logger,
		stop:   make(chan struct{}),
	}

	a.tapp = tview.NewApplication()
	a.pages = tview.NewPages()
	a.dash = NewDashboard(a.tapp)

	a.pages.AddPage("home", a.dash, true, true)
	a.tapp.SetRoot(a.pages, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == '?' && !a.pages.HasPage("help") {
			a.showHelp()
			return nil
		}
		return event
	})

	a.dash.SetCallbacks(
		a.onCancel,
		func(r execution.Record) { a.mon.Close(r.ExecutionID) },
		a.onRerun,
		a.mon.Reset,
		a.onRefresh,
		func() { a.tapp.Stop() },
	)

	mon.Attach(a)
	return a
}

// Broadcast implements events.Broadcaster. Bursts of events collapse into a
// single redraw.
func (a *App) Broadcast(events.Event) {
	a.scheduleRedraw()
}

func (a *App) scheduleRedraw() {
	if !a.pending.CompareAndSwap(false, true) {
		return
	}
	go a.tapp.QueueUpdateDraw(func() {
		a.pending.Store(false)
		a.refresh()
	})
}

// Run blocks until the user quits.
func (a *App) Run() error {
	a.refresh()
	go func() {
		ticker := time.NewTicker(redrawInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				a.scheduleRedraw()
			}
		}
	}()
	defer close(a.stop)
	return a.tapp.Run()
}

func (a *App) refresh() {
	recent, err := a.mon.History()
	if err != nil {
		a.logger.Warn("ui: load history failed", "err", err)
	}
	st, banner := a.mon.Connection()
	a.dash.Update(a.mon.Snapshot(), recent, st, banner)
}

func (a *App) showDialog(name string, widget tview.Primitive, width, height int) {
	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(widget, width, 0, true).
			AddItem(nil, 0, 1, false), height, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(name, modal, true, true)
	a.tapp.SetFocus(widget)
}

func (a *App) closeDialog(name string) {
	a.pages.RemovePage(name)
	a.tapp.SetFocus(a.dash.Focused())
}

func (a *App) showHelp() {
	help := dialogs.HelpDialog(func() {
		a.closeDialog("help")
	})
	a.showDialog("help", help, 66, 24)
}

func (a *App) showError(msg string) {
	a.pages.AddPage("error", dialogs.MessageDialog(msg, func() {
		a.closeDialog("error")
	}), true, true)
}

// background runs fn off the UI goroutine and reports a failure in a modal.
func (a *App) background(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.tapp.QueueUpdateDraw(func() {
				a.showError(fmt.Sprintf("%s failed: %v", what, err))
			})
		}
	}()
}

func (a *App) onCancel(r execution.Record) {
	msg := fmt.Sprintf("Cancel execution of %q?", r.TaskName)
	modal := dialogs.ConfirmDialog(msg, "Cancel execution", "Keep running",
		func() {
			a.closeDialog("confirm-cancel")
			a.background("Cancel", func(ctx context.Context) error {
				return a.mon.Cancel(ctx, r.ExecutionID)
			})
		},
		func() { a.closeDialog("confirm-cancel") },
	)
	a.pages.AddPage("confirm-cancel", modal, true, true)
}

func (a *App) onRerun(taskID, taskName string) {
	a.background("Rerun "+taskName, func(ctx context.Context) error {
		_, err := a.mon.Rerun(ctx, taskID)
		return err
	})
}

func (a *App) onRefresh() {
	a.background("History refresh", a.mon.RefreshHistory)
}
