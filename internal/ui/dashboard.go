package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/tracker"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

// Dashboard is the main screen: live executions on top, the pending queue
// and recent history below.
type Dashboard struct {
	*tview.Flex
	app        *tview.Application
	header     *tview.TextView
	banner     *tview.TextView
	executions *tview.Table
	queue      *tview.Table
	history    *tview.Table
	detail     *tview.TextView
	footer     *tview.TextView
	panes      []*tview.Table
	focused    int

	view   tracker.View
	recent []execution.Summary

	onCancel  func(execution.Record)
	onClose   func(execution.Record)
	onRerun   func(taskID, taskName string)
	onReset   func()
	onRefresh func()
	onQuit    func()
}

func NewDashboard(app *tview.Application) *Dashboard {
	d := &Dashboard{app: app}

	d.header = tview.NewTextView().SetDynamicColors(true)
	d.header.SetBackgroundColor(ColorBackgroundPanel)

	d.banner = tview.NewTextView().SetDynamicColors(true)
	d.banner.SetBackgroundColor(ColorBackground)

	d.executions = newPane(" Executions ")
	d.queue = newPane(" Queue ")
	d.history = newPane(" Recent ")
	d.panes = []*tview.Table{d.executions, d.queue, d.history}

	d.detail = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	d.detail.SetBackgroundColor(ColorBackgroundPanel)

	d.footer = tview.NewTextView().SetDynamicColors(true)
	d.footer.SetBackgroundColor(ColorBackgroundPanel)
	d.footer.SetText(
		"[green]↑↓[-] navigate  [green]Tab[-] pane  [green]c[-] cancel  [green]x[-] close  " +
			"[green]r[-] rerun  [green]R[-] reset  [green]h[-] refresh history  [green]?[-] help  [green]q[-] quit")

	bottom := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(d.queue, 0, 1, false).
		AddItem(d.history, 0, 1, false)

	d.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 1, 0, false).
		AddItem(d.banner, 1, 0, false).
		AddItem(d.executions, 0, 3, true).
		AddItem(d.detail, 3, 0, false).
		AddItem(bottom, 0, 2, false).
		AddItem(d.footer, 1, 0, false)

	for _, p := range d.panes {
		p.SetInputCapture(d.handleKey)
		p.SetSelectionChangedFunc(func(int, int) { d.updateDetail() })
	}
	return d
}

func newPane(title string) *tview.Table {
	t := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0).
		SetSelectedStyle(tcell.StyleDefault.
			Background(ColorSelected).
			Foreground(ColorSelectedText))
	t.SetBorder(true).SetTitle(title).SetTitleAlign(tview.AlignLeft).SetBorderColor(ColorBorder)
	t.SetBackgroundColor(ColorBackground)
	return t
}

func (d *Dashboard) SetCallbacks(
	onCancel func(execution.Record),
	onClose func(execution.Record),
	onRerun func(taskID, taskName string),
	onReset func(),
	onRefresh func(),
	onQuit func(),
) {
	d.onCancel = onCancel
	d.onClose = onClose
	d.onRerun = onRerun
	d.onReset = onReset
	d.onRefresh = onRefresh
	d.onQuit = onQuit
}

// Update redraws every pane. Selections follow their execution across
// reorders.
func (d *Dashboard) Update(view tracker.View, recent []execution.Summary, st wsclient.Status, banner string) {
	selected := ""
	if r, ok := d.selectedExecution(); ok {
		selected = r.ExecutionID
	}

	d.view = view
	d.recent = recent
	d.renderExecutions(selected)
	d.renderQueue()
	d.renderHistory()
	d.renderHeader(st)
	if banner != "" {
		d.banner.SetText("[yellow]" + tview.Escape(banner) + "[-]")
	} else {
		d.banner.SetText("")
	}
	d.updateDetail()
}

func header(t *tview.Table, titles ...string) {
	t.Clear()
	for i, title := range titles {
		t.SetCell(0, i, tview.NewTableCell(title).
			SetTextColor(ColorTextMuted).
			SetSelectable(false))
	}
}

func (d *Dashboard) renderExecutions(selected string) {
	t := d.executions
	header(t, "", "TASK", "AGENT", "PROGRESS", "STEP", "ELAPSED", "HEAP")
	row := 0
	for i, r := range d.view.Executions {
		icon, color := StatusIcon(r.Status)
		elapsed := FormatDurationMs(r.ExecutionDurationMs)
		if since := r.Elapsed(d.view.Now); since > 0 {
			elapsed = FormatDuration(since)
		}
		cells := []string{
			icon + " " + string(r.Status),
			truncate(r.TaskName, 28),
			truncate(r.AgentName, 20),
			FormatProgress(r),
			truncate(r.CurrentStepName, 24),
			elapsed,
			FormatMemory(r.MemoryUsage),
		}
		for c, text := range cells {
			cell := tview.NewTableCell(text).SetTextColor(ColorText)
			if c == 0 {
				cell.SetTextColor(color)
			}
			if c == 1 {
				cell.SetExpansion(1)
			}
			t.SetCell(i+1, c, cell)
		}
		if r.ExecutionID == selected {
			row = i
		}
	}
	if len(d.view.Executions) == 0 {
		t.SetCell(1, 1, tview.NewTableCell("no active executions").
			SetTextColor(ColorTextMuted).
			SetSelectable(false))
		return
	}
	t.Select(row+1, 0)
}

func (d *Dashboard) renderQueue() {
	t := d.queue
	header(t, "#", "TASK", "AGENT", "STATUS")
	for i, q := range d.view.Queue {
		icon, color := QueueIcon(q.Status)
		t.SetCell(i+1, 0, tview.NewTableCell(fmt.Sprint(int(q.QueuePosition))).SetTextColor(ColorTextMuted))
		t.SetCell(i+1, 1, tview.NewTableCell(truncate(q.TaskName, 24)).SetTextColor(ColorText).SetExpansion(1))
		t.SetCell(i+1, 2, tview.NewTableCell(truncate(q.AgentName, 16)).SetTextColor(ColorText))
		t.SetCell(i+1, 3, tview.NewTableCell(icon+" "+string(q.Status)).SetTextColor(color))
	}
}

func (d *Dashboard) renderHistory() {
	t := d.history
	header(t, "", "TASK", "DURATION", "FINISHED")
	for i, s := range d.recent {
		icon, color := StatusIcon(s.Status)
		t.SetCell(i+1, 0, tview.NewTableCell(icon).SetTextColor(color))
		t.SetCell(i+1, 1, tview.NewTableCell(truncate(s.TaskName, 24)).SetTextColor(ColorText).SetExpansion(1))
		t.SetCell(i+1, 2, tview.NewTableCell(FormatDurationMs(s.DurationMs)).SetTextColor(ColorText))
		t.SetCell(i+1, 3, tview.NewTableCell(FormatAgo(s.CompletedAt.Time, d.view.Now)).SetTextColor(ColorTextMuted))
	}
}

func (d *Dashboard) renderHeader(st wsclient.Status) {
	running, finished := 0, 0
	for _, r := range d.view.Executions {
		if r.Status.Active() {
			running++
		} else {
			finished++
		}
	}
	d.header.SetText(fmt.Sprintf(
		"[blue]EXECWATCH[-]   %s%s[-]   [blue]%s %d running[-]  %d finished  %d queued",
		ConnectionTag(st), monitor.StatusText(st), IconRunning, running, finished, len(d.view.Queue)))
}

func (d *Dashboard) updateDetail() {
	if d.focused != 0 {
		d.detail.SetText("")
		return
	}
	r, ok := d.selectedExecution()
	if !ok {
		d.detail.SetText("")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, " [::b]%s[::-]  %s", tview.Escape(r.ExecutionID), tview.Escape(r.TaskName))
	if r.CurrentStepName != "" {
		fmt.Fprintf(&b, "  step %d: %s", r.CurrentStep, tview.Escape(r.CurrentStepName))
		if r.CurrentStepAction != "" {
			fmt.Fprintf(&b, " (%s)", tview.Escape(r.CurrentStepAction))
		}
		if r.StepDurationMs > 0 {
			fmt.Fprintf(&b, " %s", FormatDurationMs(r.StepDurationMs))
		}
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n [red]%s[-]", tview.Escape(r.ErrorMessage))
	}
	d.detail.SetText(b.String())
}

func (d *Dashboard) selectedExecution() (execution.Record, bool) {
	row, _ := d.executions.GetSelection()
	i := row - 1
	if i < 0 || i >= len(d.view.Executions) {
		return execution.Record{}, false
	}
	return d.view.Executions[i], true
}

func (d *Dashboard) selectedSummary() (execution.Summary, bool) {
	row, _ := d.history.GetSelection()
	i := row - 1
	if i < 0 || i >= len(d.recent) {
		return execution.Summary{}, false
	}
	return d.recent[i], true
}

func (d *Dashboard) cycleFocus() {
	d.focused = (d.focused + 1) % len(d.panes)
	if d.app != nil {
		d.app.SetFocus(d.panes[d.focused])
	}
	d.updateDetail()
}

// Focused returns the pane that currently has focus.
func (d *Dashboard) Focused() tview.Primitive {
	return d.panes[d.focused]
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyTab {
		d.cycleFocus()
		return nil
	}

	switch event.Rune() {
	case 'c':
		if r, ok := d.selectedExecution(); ok && d.focused == 0 && r.Status.Active() && d.onCancel != nil {
			d.onCancel(r)
		}
		return nil
	case 'x':
		if r, ok := d.selectedExecution(); ok && d.focused == 0 && d.onClose != nil {
			d.onClose(r)
		}
		return nil
	case 'r':
		if d.onRerun == nil {
			return nil
		}
		switch d.focused {
		case 0:
			if r, ok := d.selectedExecution(); ok && r.TaskID != "" {
				d.onRerun(r.TaskID, r.TaskName)
			}
		case 2:
			if s, ok := d.selectedSummary(); ok && s.TaskID != "" {
				d.onRerun(s.TaskID, s.TaskName)
			}
		}
		return nil
	case 'R':
		if d.onReset != nil {
			d.onReset()
		}
		return nil
	case 'h':
		if d.onRefresh != nil {
			d.onRefresh()
		}
		return nil
	case 'q':
		if d.onQuit != nil {
			d.onQuit()
		}
		return nil
	}
	return event
}
