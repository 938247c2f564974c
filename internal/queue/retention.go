package queue

import (
	"context"
	"time"

	"safetrail/internal/metrics"
	"safetrail/internal/model"
)

const DefaultRetention = 7 * 24 * time.Hour

// RetentionPolicy decides which delivered events may be reclaimed. Exhausted
// events are never reclaimed; they wait for an explicit retry or clear.
type RetentionPolicy struct {
	Window time.Duration
}

func (p RetentionPolicy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultRetention
	}
	return p.Window
}

func (p RetentionPolicy) Expired(ev model.OfflineEvent, now time.Time) bool {
	return ev.Synced && now.Sub(ev.CreatedAt) > p.window()
}

// Prune removes synced events older than the policy window.
func (q *Queue) Prune(ctx context.Context, now time.Time, policy RetentionPolicy) (int, error) {
	n, err := q.removeWhere(ctx, func(ev model.OfflineEvent) bool {
		return policy.Expired(ev, now)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.Pruned.Add(float64(n))
		q.logger.Info("pruned synced events", "count", n, "window", policy.window())
	}
	return n, nil
}
