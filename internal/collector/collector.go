// Package collector delivers queued offline events to the remote backend.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

// Collector accepts one event per call. A nil error means the backend has
// taken ownership of the event.
type Collector interface {
	Submit(ctx context.Context, ev model.OfflineEvent) error
}

// Func adapts a plain function to Collector.
type Func func(ctx context.Context, ev model.OfflineEvent) error

func (f Func) Submit(ctx context.Context, ev model.OfflineEvent) error {
	return f(ctx, ev)
}

func New(cfg config.CollectorConfig, logger *slog.Logger) (Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Driver) {
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("collector.url is required for http driver")
		}
		return NewHTTP(cfg.URL, nil), nil
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "log", "":
		return NewLog(logger), nil
	default:
		return nil, fmt.Errorf("unsupported collector driver %q", cfg.Driver)
	}
}

// Close releases collector resources when the implementation holds any.
func Close(c Collector) error {
	if closer, ok := c.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
