package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-delivery/internal/orchestrator"
	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

// Sender is the slice of the orchestrator the processor drives.
type Sender interface {
	SendNotification(ctx context.Context, req orchestrator.SendRequest) (*delivery.PushNotification, error)
}

// NewProcessor creates the logic that turns an ingested request into a
// tracked notification. Immediate-priority requests dispatch inline in the
// pipeline worker; deferred ones are left pending for the sweep.
func NewProcessor(sender Sender, logger *slog.Logger) messagepipeline.StreamProcessor[orchestrator.SendRequest] {
	return func(ctx context.Context, original messagepipeline.Message, req *orchestrator.SendRequest) error {
		procLogger := logger.With(
			"account_id", req.AccountID,
			"pubsub_msg_id", original.ID,
		)

		n, err := sender.SendNotification(ctx, *req)
		if errors.Is(err, delivery.ErrInvalidPriority) {
			// A bad priority never becomes valid on redelivery; drop it.
			procLogger.Warn("Rejecting request with invalid priority", "priority", req.Priority)
			return nil
		}
		if err != nil {
			procLogger.Error("Send failed", "err", err)
			return err // Retryable
		}
		if n == nil {
			procLogger.Info("No devices registered for account; dropping notification.")
			return nil
		}

		procLogger.Info("Notification accepted", "notification_id", n.ID, "status", n.Status)
		return nil
	}
}
