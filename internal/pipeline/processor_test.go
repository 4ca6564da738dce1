package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-delivery/internal/orchestrator"
	"github.com/tinywideclouds/go-push-delivery/internal/pipeline"
	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendNotification(ctx context.Context, req orchestrator.SendRequest) (*delivery.PushNotification, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*delivery.PushNotification), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	msg := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-1"}}
	req := &orchestrator.SendRequest{AccountID: "acct-1", Title: "T", Body: "B"}

	t.Run("Accepted notification acks", func(t *testing.T) {
		sender := new(mockSender)
		processor := pipeline.NewProcessor(sender, newTestLogger())

		sender.On("SendNotification", ctx, *req).
			Return(&delivery.PushNotification{ID: "n-1", Status: delivery.StatusPending}, nil)

		require.NoError(t, processor(ctx, msg, req))
		sender.AssertExpectations(t)
	})

	t.Run("No devices drops without error", func(t *testing.T) {
		sender := new(mockSender)
		processor := pipeline.NewProcessor(sender, newTestLogger())

		sender.On("SendNotification", ctx, *req).Return(nil, nil)

		require.NoError(t, processor(ctx, msg, req))
	})

	t.Run("Invalid priority drops without retry", func(t *testing.T) {
		sender := new(mockSender)
		processor := pipeline.NewProcessor(sender, newTestLogger())

		sender.On("SendNotification", ctx, *req).Return(nil, delivery.ErrInvalidPriority)

		require.NoError(t, processor(ctx, msg, req))
	})

	t.Run("Infrastructure failure is retryable", func(t *testing.T) {
		sender := new(mockSender)
		processor := pipeline.NewProcessor(sender, newTestLogger())

		sender.On("SendNotification", ctx, *req).Return(nil, errors.New("store down"))

		require.Error(t, processor(ctx, msg, req))
	})
}
