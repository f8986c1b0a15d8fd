package scheduler

import "github.com/gen2brain/beeep"

// SendNotification shows a desktop notification; failures are ignored
// since notifications are best-effort.
func SendNotification(title, message string) {
	_ = beeep.Notify(title, message, "")
}
