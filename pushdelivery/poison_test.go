//go:build integration

package pushdelivery_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-delivery/internal/orchestrator"
	"github.com/tinywideclouds/go-push-delivery/internal/sweep"
	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
	"github.com/tinywideclouds/go-push-delivery/pushdelivery"
	"github.com/tinywideclouds/go-push-delivery/pushdelivery/config"
)

// --- Mocks ---

// mockStore satisfies the orchestrator's Store dependency; none of it should
// be reached in a poison pill scenario (the transformer fails first).
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Create(ctx context.Context, n *delivery.PushNotification) (*delivery.PushNotification, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*delivery.PushNotification), args.Error(1)
}

func (m *mockStore) UpdateStatus(ctx context.Context, id string, status delivery.Status, errMsg string) error {
	return m.Called(ctx, id, status, errMsg).Error(0)
}

func (m *mockStore) IncrementRetry(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) MarkAsSent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) Claim(ctx context.Context, id string, from []delivery.Status) (bool, error) {
	args := m.Called(ctx, id, from)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) GetByID(ctx context.Context, id string) (*delivery.PushNotification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*delivery.PushNotification), args.Error(1)
}

func (m *mockStore) GetPending(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error) {
	args := m.Called(ctx, limit, skip)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]delivery.PushNotification), args.Error(1)
}

func (m *mockStore) GetForRetry(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error) {
	args := m.Called(ctx, limit, skip)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]delivery.PushNotification), args.Error(1)
}

func (m *mockStore) GetByAccount(ctx context.Context, accountID string, limit, skip int) ([]delivery.PushNotification, error) {
	args := m.Called(ctx, accountID, limit, skip)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]delivery.PushNotification), args.Error(1)
}

type mockTokenProvider struct {
	mock.Mock
}

func (m *mockTokenProvider) GetActiveTokens(ctx context.Context, accountID string) ([]delivery.DeviceToken, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]delivery.DeviceToken), args.Error(1)
}

func (m *mockTokenProvider) GetTokensByIDs(ctx context.Context, ids []string) ([]delivery.DeviceToken, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]delivery.DeviceToken), args.Error(1)
}

// --- Test ---

func TestPushDeliveryService_PoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	projectID := "test-project-dlq"

	// 1. Setup Pub/Sub Emulator
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	// 2. Arrange: Create main topic, DLQ topic, and subscriptions
	runID := uuid.NewString()
	mainTopicID := "push-main-" + runID
	dlqTopicID := "push-dlq-" + runID
	mainSubID := mainTopicID + "-sub"
	dlqSubID := dlqTopicID + "-sub"

	createPubsubResources(t, ctx, psClient, projectID, dlqTopicID, dlqSubID)
	dlqTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, dlqTopicID)

	mainTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, mainTopicID)
	_, err = psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: mainTopicName})
	require.NoError(t, err)

	mainSubName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, mainSubID)
	mainSub := &pubsubpb.Subscription{
		Name:  mainSubName,
		Topic: mainTopicName,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlqTopicName,
			MaxDeliveryAttempts: 5,
		},
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = psClient.SubscriptionAdminClient.CreateSubscription(ctx, mainSub)
	require.NoError(t, err)

	// 3. Arrange: Create service with mocked delivery dependencies.
	// None of them should be touched: the transformer rejects the payload
	// before the orchestrator is reached.
	store := new(mockStore)
	tokens := new(mockTokenProvider)
	gateway := newMockGateway(-1)

	orc := orchestrator.New(store, tokens, gateway, orchestrator.Config{
		Expiry:            24 * time.Hour,
		DefaultMaxRetries: 4,
	}, logger)
	sweeper := sweep.NewSweeper(store, orc, 100, logger)

	consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(mainSubID)
	consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
	require.NoError(t, err)

	cfg := &config.Config{
		ProjectID:          projectID,
		ListenAddr:         ":0",
		SubscriptionID:     mainSubID,
		NumPipelineWorkers: 2,
		Sweep:              config.SweepConfig{Interval: time.Hour, BatchSize: 100},
	}

	svc, err := pushdelivery.New(cfg, consumer, orc, sweeper, logger)
	require.NoError(t, err)

	// 4. Act: Start the service and publish a poison pill message
	serviceCtx, serviceCancel := context.WithCancel(ctx)
	defer serviceCancel()
	go func() {
		if err := svc.Start(serviceCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("service.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	// Publish MALFORMED JSON. This triggers a failure in the Transformer.
	poisonPayload := []byte(`{"this is not valid json"`)
	result := psClient.Publisher(mainTopicID).Publish(ctx, &pubsub.Message{Data: poisonPayload})
	_, err = result.Get(ctx)
	require.NoError(t, err)
	t.Log("Published poison pill message.")

	// 5. Assert: Verify the message arrives on the DLQ subscription
	dlqSub := psClient.Subscriber(dlqSubID)
	var wg sync.WaitGroup
	wg.Add(1)
	var receivedMsg *pubsub.Message

	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		err = dlqSub.Receive(cctx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			receivedMsg = msg
			cancel()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("DLQ Receive returned an unexpected error: %v", err)
		}
	}()

	wg.Wait()
	require.NotNil(t, receivedMsg, "Did not receive message on the DLQ subscription")
	assert.Equal(t, poisonPayload, receivedMsg.Data)

	// 6. Negative Assertion: the gateway was never called
	assert.Equal(t, 0, gateway.GetCallCount(), "Gateway should not be called for a poison pill message")
	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}
