package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const helpText = `[yellow]Dashboard Keys[-]

  [green]↑/k[-]      Navigate up
  [green]↓/j[-]      Navigate down
  [green]Tab[-]      Next pane (executions, queue, recent)
  [green]c[-]        Cancel the selected execution
  [green]x[-]        Close the selected execution
  [green]r[-]        Rerun the selected task
  [green]R[-]        Reset: forget every tracked and closed execution
  [green]h[-]        Reload recent executions
  [green]?[-]        This help
  [green]q[-]        Quit

Finished executions stay listed for 30 seconds. An execution
that stops reporting on its final step is shown as completed
after 15 seconds of silence.

Press [green]Escape[-] or [green]?[-] to close.`

func HelpDialog(onClose func()) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetBorder(true).SetTitle(" Help ").SetTitleAlign(tview.AlignLeft)
	tv.SetDynamicColors(true)
	tv.SetBackgroundColor(tcell.ColorDefault)
	tv.SetText(helpText)
	tv.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == '?' {
			onClose()
			return nil
		}
		return event
	})
	return tv
}
