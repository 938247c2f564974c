// Package ingest feeds location samples from external providers into the
// scoring pipeline.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"safetrail/internal/config"
	"safetrail/internal/metrics"
	"safetrail/internal/model"
	"safetrail/internal/normalize"
)

// Sample outcomes recorded per source.
const (
	outcomeAccepted = "accepted"
	outcomeInvalid  = "invalid"
	outcomeDropped  = "dropped"
)

// sink is the shared tail of every listener: normalize, tag with the source
// name, count, forward.
type sink struct {
	source string
	cfg    *config.Manager
	out    chan<- model.Location
	logger *slog.Logger
}

func newSink(source string, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) *sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &sink{source: source, cfg: cfg, out: out, logger: logger.With("source", source)}
}

// line parses one text record with parser and forwards the sample. Blank
// lines are skipped without counting.
func (s *sink) line(ctx context.Context, parser *Parser, line string) bool {
	fields, err := parser.ParseLine(line)
	if err != nil {
		s.count(outcomeInvalid)
		s.logger.Debug("unparseable location line", "err", err)
		return false
	}
	if fields == nil {
		return false
	}
	return s.fields(ctx, *fields)
}

func (s *sink) fields(ctx context.Context, fields normalize.LocationFields) bool {
	loc, err := normalize.Normalize(fields, s.cfg.Get())
	if err != nil {
		s.count(outcomeInvalid)
		s.logger.Warn("location normalize error", "err", err)
		return false
	}
	loc.Source = s.source
	if !SendNonBlocking(ctx, s.out, loc, s.logger) {
		s.count(outcomeDropped)
		return false
	}
	s.count(outcomeAccepted)
	return true
}

func (s *sink) count(outcome string) {
	metrics.IngestSamples.WithLabelValues(s.source, outcome).Inc()
}

// SendNonBlocking forwards loc unless the channel is full or ctx is done.
// Scoring prefers fresh fixes, so a full channel drops the sample.
func SendNonBlocking(ctx context.Context, out chan<- model.Location, loc model.Location, logger *slog.Logger) bool {
	select {
	case out <- loc:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("location channel full, dropping sample", "timestamp", loc.Timestamp)
		}
		return false
	}
}

// BackoffSleep waits d, or 200ms when d is not positive. It returns false
// when ctx ends first.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
