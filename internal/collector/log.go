package collector

import (
	"context"
	"log/slog"

	"safetrail/internal/model"
)

// Log accepts every event after logging it. Used when no backend is
// configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Submit(ctx context.Context, ev model.OfflineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("event delivered",
		"id", ev.ID,
		"kind", ev.Kind,
		"priority", ev.Priority,
		"attempt", ev.RetryCount+1,
	)
	return nil
}
