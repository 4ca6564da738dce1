// Package fcm adapts Firebase Cloud Messaging to the delivery.Gateway contract.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
// Note: *messaging.Client automatically satisfies this interface.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// maxMulticastTokens is FCM's hard per-batch limit.
const maxMulticastTokens = 500

// defaultSendTimeout bounds a single gateway round-trip. The underlying HTTP
// client has its own transport timeouts but we don't rely on them alone.
const defaultSendTimeout = 30 * time.Second

type Dispatcher struct {
	client  MessagingClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher wraps an injected messaging client. The client handle is safe
// for concurrent use, so one Dispatcher serves the whole process.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		timeout: defaultSendTimeout,
		logger:  logger.With("component", "FCMDispatcher"),
	}
}

// Close releases the adapter. The firebase client holds no resources that
// outlive its context, so this is a lifecycle hook only.
func (d *Dispatcher) Close() error { return nil }

// Send delivers to a single device token.
func (d *Dispatcher) Send(ctx context.Context, token string, content delivery.Content, data map[string]string, priority delivery.Priority) (*delivery.DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.client.Send(ctx, d.buildMessage(token, content, data, priority))
	if err != nil {
		if kind := classify(err); kind != delivery.ErrKindNone {
			return nil, &delivery.GatewayError{Kind: kind, Token: token, Err: err}
		}
		// Unclassified gateway failure: report it in the result so batch
		// callers are not aborted by it.
		return &delivery.DispatchResult{Success: false, Error: err.Error()}, nil
	}
	return &delivery.DispatchResult{Success: true, MessageID: id}, nil
}

// SendMulticast delivers to a batch of tokens in a single gateway call.
func (d *Dispatcher) SendMulticast(ctx context.Context, tokens []string, content delivery.Content, data map[string]string, priority delivery.Priority) (*delivery.BatchDispatchResult, error) {
	if len(tokens) > maxMulticastTokens {
		return nil, fmt.Errorf("%w: %d > %d", delivery.ErrTooManyTokens, len(tokens), maxMulticastTokens)
	}
	if len(tokens) == 0 {
		return &delivery.BatchDispatchResult{Responses: []delivery.DispatchResult{}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Notification: &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		},
		Android: &messaging.AndroidConfig{Priority: androidPriority(priority)},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority(priority)},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: content.Title,
				Body:  content.Body,
			},
		},
	}

	br, err := d.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		if kind := classify(err); kind != delivery.ErrKindNone {
			return nil, &delivery.GatewayError{Kind: kind, Err: err}
		}
		return nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	result := &delivery.BatchDispatchResult{
		SuccessCount: br.SuccessCount,
		FailureCount: br.FailureCount,
		Responses:    make([]delivery.DispatchResult, 0, len(br.Responses)),
	}
	for _, resp := range br.Responses {
		if resp.Success {
			result.Responses = append(result.Responses, delivery.DispatchResult{
				Success:   true,
				MessageID: resp.MessageID,
			})
			continue
		}
		// Per-entry classification: a dead token in the batch must not abort
		// delivery to the rest.
		result.Responses = append(result.Responses, delivery.DispatchResult{
			Success:   false,
			Error:     resp.Error.Error(),
			ErrorCode: classify(resp.Error),
		})
	}
	return result, nil
}

// ValidateToken performs a dry-run send. Any rejection means unusable.
func (d *Dispatcher) ValidateToken(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.client.SendDryRun(ctx, &messaging.Message{Token: token})
	if err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) {
			d.logger.Debug("Dry-run rejected unregistered token")
		} else {
			d.logger.Warn("Token dry-run failed", "err", err)
		}
		return false
	}
	return true
}

func (d *Dispatcher) buildMessage(token string, content delivery.Content, data map[string]string, priority delivery.Priority) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		},
		Android: &messaging.AndroidConfig{Priority: androidPriority(priority)},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority(priority)},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: content.Title,
				Body:  content.Body,
			},
		},
	}
}

// androidPriority maps our priority to FCM's android delivery hint.
func androidPriority(p delivery.Priority) string {
	if p == delivery.PriorityImmediate {
		return "high"
	}
	return "normal"
}

// apnsPriority maps our priority to the apns-priority header value.
func apnsPriority(p delivery.Priority) string {
	if p == delivery.PriorityImmediate {
		return "10"
	}
	return "5"
}

// classify maps the gateway-reported conditions the orchestrator must react
// to into tagged kinds. Everything else stays unclassified.
func classify(err error) delivery.ErrorKind {
	switch {
	case err == nil:
		return delivery.ErrKindNone
	case messaging.IsRegistrationTokenNotRegistered(err), messaging.IsInvalidArgument(err):
		return delivery.ErrKindInvalidToken
	case messaging.IsQuotaExceeded(err):
		return delivery.ErrKindQuotaExceeded
	case messaging.IsSenderIDMismatch(err), messaging.IsThirdPartyAuthError(err):
		return delivery.ErrKindAuth
	default:
		return delivery.ErrKindNone
	}
}
