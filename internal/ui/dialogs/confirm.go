package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConfirmDialog shows a modal with a message and two buttons. onConfirm is
// called for the first button; onCancel for the second or Escape.
func ConfirmDialog(message, confirm, cancel string, onConfirm func(), onCancel func()) *tview.Modal {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{confirm, cancel}).
		SetDoneFunc(func(idx int, _ string) {
			if idx == 0 {
				onConfirm()
			} else {
				onCancel()
			}
		})
	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			onCancel()
			return nil
		}
		return event
	})
	return modal
}

// MessageDialog shows msg with a single OK button.
func MessageDialog(msg string, onClose func()) *tview.Modal {
	return tview.NewModal().
		SetText(msg).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) { onClose() })
}
