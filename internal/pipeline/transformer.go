// Package pipeline contains the message processing components that feed the
// delivery engine from the ingestion subscription.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-delivery/internal/orchestrator"
)

// SendRequestTransformer is a dataflow Transformer that safely unmarshals and
// validates a raw message payload into an orchestrator.SendRequest.
//
// A malformed payload returns an error with skip=true so the StreamingService
// can handle the Nack/DLQ logic instead of retrying it forever.
func SendRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*orchestrator.SendRequest, bool, error) {
	var req orchestrator.SendRequest

	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal send request from message %s: %w", msg.ID, err)
	}

	if req.AccountID == "" {
		return nil, true, fmt.Errorf("send request in message %s has no account_id", msg.ID)
	}

	return &req, false, nil
}
