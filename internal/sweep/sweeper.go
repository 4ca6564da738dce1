// Package sweep re-drives deferred and failed notifications. It owns a single
// pass only; an external scheduler decides when to invoke it.
package sweep

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

// Deliverer performs one dispatch attempt for a tracked record.
type Deliverer interface {
	Deliver(ctx context.Context, n *delivery.PushNotification) error
}

// Reader is the query surface the sweep drains.
type Reader interface {
	GetPending(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error)
	GetForRetry(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error)
}

const defaultBatchSize = 100

type Sweeper struct {
	reader    Reader
	deliverer Deliverer
	batchSize int
	logger    *slog.Logger
}

func NewSweeper(reader Reader, deliverer Deliverer, batchSize int, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Sweeper{
		reader:    reader,
		deliverer: deliverer,
		batchSize: batchSize,
		logger:    logger.With("component", "Sweeper"),
	}
}

// Stats summarizes one sweep pass.
type Stats struct {
	Pending   int
	Retries   int
	Attempted int
	Errors    int
}

// RunOnce drains one page each of due pending and retryable records and
// attempts delivery for each. Records another worker claims first are skipped
// inside Deliver, so concurrent sweeps are safe.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	pending, err := s.reader.GetPending(ctx, s.batchSize, 0)
	if err != nil {
		return stats, err
	}
	stats.Pending = len(pending)

	due, err := s.reader.GetForRetry(ctx, s.batchSize, 0)
	if err != nil {
		return stats, err
	}
	stats.Retries = len(due)

	for _, n := range append(pending, due...) {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		if err := s.deliverer.Deliver(ctx, &n); err != nil {
			stats.Errors++
			s.logger.Error("Delivery attempt failed", "notification_id", n.ID, "err", err)
		}
	}

	if stats.Attempted > 0 {
		s.logger.Info("Sweep pass complete",
			"pending", stats.Pending,
			"retries", stats.Retries,
			"errors", stats.Errors)
	}
	return stats, nil
}
