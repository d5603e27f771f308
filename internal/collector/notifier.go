package collector

import (
	"log/slog"

	"github.com/kolscope/kolscope/internal/models"
)

// Notifier receives pipeline progress events. The delivery mechanism
// (push channel, polling endpoint) lives outside the core.
type Notifier interface {
	RunPhaseChanged(runID string, phase models.RunPhase)
	EntityProcessed(runID, channelID string, processed, total int)
}

// LogNotifier is the default Notifier: it writes progress to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) RunPhaseChanged(runID string, phase models.RunPhase) {
	n.logger.Info("run phase changed", "run_id", runID, "phase", string(phase))
}

func (n *LogNotifier) EntityProcessed(runID, channelID string, processed, total int) {
	n.logger.Debug("entity processed",
		"run_id", runID,
		"channel_id", channelID,
		"processed", processed,
		"total", total)
}
