// Package notify defines the outbound notification port used by the engine.
// The chat front end supplies the real implementation; failures are logged
// and never fatal to a task.
package notify

import "log/slog"

// Notifier delivers fire-and-forget messages to a task's recipient.
type Notifier interface {
	NotifyText(recipient, text string)
	NotifyFile(recipient, filePath, caption string)
}

// LogNotifier writes notifications to the structured log. Used when no chat
// front end is attached (headless runs, tests).
type LogNotifier struct{}

func (LogNotifier) NotifyText(recipient, text string) {
	slog.Info("notify", "recipient", recipient, "text", text)
}

func (LogNotifier) NotifyFile(recipient, filePath, caption string) {
	slog.Info("notify file", "recipient", recipient, "file", filePath, "caption", caption)
}

// FuncNotifier adapts plain functions to the Notifier interface.
type FuncNotifier struct {
	Text func(recipient, text string)
	File func(recipient, filePath, caption string)
}

func (f FuncNotifier) NotifyText(recipient, text string) {
	if f.Text != nil {
		f.Text(recipient, text)
	}
}

func (f FuncNotifier) NotifyFile(recipient, filePath, caption string) {
	if f.File != nil {
		f.File(recipient, filePath, caption)
	}
}
