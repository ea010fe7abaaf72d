// Package notify sends desktop notifications for long-running work
// finishing in the background. It uses beeep for cross-platform delivery.
package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Notifier delivers user-facing notifications. The zero-value Desktop
// implementation is safe on headless hosts: delivery failures are logged
// and swallowed.
type Notifier interface {
	TurnCompleted(branchTitle string)
	JobFinished(jobType, status string)
}

type Desktop struct {
	Logger *slog.Logger
}

func NewDesktop(logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{Logger: logger}
}

func (d *Desktop) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		d.Logger.Debug("notification delivery failed", "title", title, "error", err)
	}
}

func (d *Desktop) TurnCompleted(branchTitle string) {
	if branchTitle == "" {
		branchTitle = "Conversation"
	}
	d.send("Loom", branchTitle+" is ready")
}

func (d *Desktop) JobFinished(jobType, status string) {
	d.send("Loom", jobType+" job "+status)
}

// Silent drops every notification. Used by the server when no desktop
// session exists and by tests.
type Silent struct{}

func (Silent) TurnCompleted(string)       {}
func (Silent) JobFinished(string, string) {}
