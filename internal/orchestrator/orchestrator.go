// Package orchestrator is the public entry point of the delivery engine. It
// resolves dispatch targets, persists notification records, and branches
// between synchronous dispatch and the deferred sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

// Config carries the delivery policy knobs.
type Config struct {
	// Expiry is how long a record stays eligible for dispatch.
	Expiry time.Duration
	// DefaultMaxRetries applies when a caller does not set a budget.
	DefaultMaxRetries int
}

type Orchestrator struct {
	store   delivery.Store
	tokens  delivery.TokenProvider
	gateway delivery.Gateway
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(store delivery.Store, tokens delivery.TokenProvider, gateway delivery.Gateway, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Expiry <= 0 {
		cfg.Expiry = delivery.DefaultExpiry
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = delivery.DefaultMaxRetries
	}
	return &Orchestrator{
		store:   store,
		tokens:  tokens,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With("component", "Orchestrator"),
		now:     time.Now,
	}
}

// SendRequest is a logical notification for an account's device set.
type SendRequest struct {
	AccountID  string            `json:"account_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// SendNotification resolves the account's active devices and creates a
// tracked record. An account with no active devices yields (nil, nil): no
// record, no error. Immediate priority dispatches before returning, so the
// returned record is never pending; normal priority returns it pending for
// the sweep to pick up.
func (o *Orchestrator) SendNotification(ctx context.Context, req SendRequest) (*delivery.PushNotification, error) {
	priority, err := delivery.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	tokens, err := o.tokens.GetActiveTokens(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		o.logger.Info("No active devices for account; dropping notification.", "account_id", req.AccountID)
		return nil, nil
	}

	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.ID)
	}
	return o.create(ctx, req.AccountID, req.Title, req.Body, req.Data, ids, priority, req.MaxRetries)
}

// SendToDevices is SendNotification with an explicit device set. Unknown or
// inactive ids are silently dropped; the recorded account is inferred from
// the first resolved device.
func (o *Orchestrator) SendToDevices(ctx context.Context, deviceTokenIDs []string, title, body string, data map[string]string, priorityStr string) (*delivery.PushNotification, error) {
	priority, err := delivery.ParsePriority(priorityStr)
	if err != nil {
		return nil, err
	}

	tokens, err := o.tokens.GetTokensByIDs(ctx, deviceTokenIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		o.logger.Info("No resolvable devices in explicit set; dropping notification.")
		return nil, nil
	}

	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.ID)
	}
	return o.create(ctx, tokens[0].AccountID, title, body, data, ids, priority, 0)
}

func (o *Orchestrator) create(ctx context.Context, accountID, title, body string, data map[string]string, tokenIDs []string, priority delivery.Priority, maxRetries int) (*delivery.PushNotification, error) {
	if maxRetries <= 0 {
		maxRetries = o.cfg.DefaultMaxRetries
	}

	draft := &delivery.PushNotification{
		AccountID:      accountID,
		Title:          title,
		Body:           body,
		Data:           data,
		DeviceTokenIDs: tokenIDs,
		Priority:       priority,
		MaxRetries:     maxRetries,
		ExpiresAt:      o.now().Add(o.cfg.Expiry),
	}

	created, err := o.store.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Notification created",
		"notification_id", created.ID,
		"account_id", accountID,
		"priority", priority,
		"devices", len(tokenIDs))

	if priority != delivery.PriorityImmediate {
		return created, nil
	}

	// Immediate path: the caller blocks for the gateway round-trip and the
	// returned record reflects the attempt outcome.
	if err := o.Deliver(ctx, created); err != nil {
		return nil, err
	}
	return o.store.GetByID(ctx, created.ID)
}

// Deliver performs one dispatch attempt for a tracked record. It claims the
// record first (compare-and-swap on status) so a concurrent worker claiming
// the same record makes this call a no-op. Delivery-time failures are
// absorbed into record state; the returned error covers store and provider
// infrastructure failures only.
func (o *Orchestrator) Deliver(ctx context.Context, n *delivery.PushNotification) error {
	log := o.logger.With("notification_id", n.ID)

	claimed, err := o.store.Claim(ctx, n.ID, []delivery.Status{delivery.StatusPending, delivery.StatusFailed})
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Record already claimed or not due; skipping.")
		return nil
	}

	tokens, err := o.tokens.GetTokensByIDs(ctx, n.DeviceTokenIDs)
	if err != nil {
		return o.recordFailure(ctx, n.ID, fmt.Sprintf("failed to resolve device tokens: %v", err))
	}
	if len(tokens) == 0 {
		return o.recordFailure(ctx, n.ID, "No active device tokens available")
	}

	content := delivery.Content{Title: n.Title, Body: n.Body}

	if len(tokens) == 1 {
		res, err := o.gateway.Send(ctx, tokens[0].Token, content, n.Data, n.Priority)
		if err != nil {
			// Classified gateway failure: absorbed into record state, never
			// re-raised. The record was already created and returned.
			o.logGatewayError(log, err)
			return o.recordFailure(ctx, n.ID, err.Error())
		}
		if !res.Success {
			return o.recordFailure(ctx, n.ID, res.Error)
		}
		log.Info("Notification sent", "message_id", res.MessageID)
		return o.store.MarkAsSent(ctx, n.ID)
	}

	tokenValues := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenValues = append(tokenValues, t.Token)
	}

	batch, err := o.gateway.SendMulticast(ctx, tokenValues, content, n.Data, n.Priority)
	if err != nil {
		o.logGatewayError(log, err)
		return o.recordFailure(ctx, n.ID, err.Error())
	}

	// Partial success counts as sent: per-device outcomes are not separately
	// retried or persisted.
	if batch.SuccessCount > 0 {
		log.Info("Notification sent", "success", batch.SuccessCount, "failed", batch.FailureCount)
		return o.store.MarkAsSent(ctx, n.ID)
	}
	return o.recordFailure(ctx, n.ID, fmt.Sprintf("all %d devices failed", batch.FailureCount))
}

// recordFailure parks the record as failed with the attempt's error, then
// advances the retry bookkeeping (scheduling the next attempt or expiring).
func (o *Orchestrator) recordFailure(ctx context.Context, id, msg string) error {
	if err := o.store.UpdateStatus(ctx, id, delivery.StatusFailed, msg); err != nil {
		return err
	}
	return o.store.IncrementRetry(ctx, id)
}

func (o *Orchestrator) logGatewayError(log *slog.Logger, err error) {
	switch delivery.ErrorKindOf(err) {
	case delivery.ErrKindInvalidToken:
		// Token cleanup is owned by the registration subsystem.
		log.Warn("Gateway reported dead token", "err", err)
	case delivery.ErrKindQuotaExceeded:
		log.Warn("Gateway quota exhausted", "err", err)
	case delivery.ErrKindAuth:
		log.Error("Gateway rejected credentials", "err", err)
	default:
		log.Error("Gateway dispatch failed", "err", err)
	}
}

// SendToUser is a fire-and-forget single-shot send outside the tracked
// pipeline: no record is created.
func (o *Orchestrator) SendToUser(ctx context.Context, userID, token, title, body string, data map[string]string, priorityStr string) (*delivery.NotificationResult, error) {
	priority, err := delivery.ParsePriority(priorityStr)
	if err != nil {
		return nil, err
	}

	res, err := o.gateway.Send(ctx, token, delivery.Content{Title: title, Body: body}, data, priority)
	if err != nil {
		result := &delivery.NotificationResult{Error: err.Error()}
		if delivery.ErrorKindOf(err) == delivery.ErrKindInvalidToken {
			result.InvalidTokens = []string{token}
		}
		o.logger.Warn("Direct send failed", "user_id", userID, "err", err)
		return result, nil
	}
	if !res.Success {
		return &delivery.NotificationResult{Error: res.Error}, nil
	}
	return &delivery.NotificationResult{Success: true, MessageID: res.MessageID}, nil
}

// SendToMultipleUsers fans out one message via multicast. Success means at
// least one device succeeded; tokens the gateway reports as permanently
// invalid are collected for the caller to deregister.
func (o *Orchestrator) SendToMultipleUsers(ctx context.Context, userTokens map[string]string, title, body string, data map[string]string, priorityStr string) (*delivery.NotificationResult, error) {
	priority, err := delivery.ParsePriority(priorityStr)
	if err != nil {
		return nil, err
	}
	if len(userTokens) == 0 {
		return &delivery.NotificationResult{Error: "no device tokens provided"}, nil
	}

	tokens := make([]string, 0, len(userTokens))
	for _, token := range userTokens {
		tokens = append(tokens, token)
	}

	batch, err := o.gateway.SendMulticast(ctx, tokens, delivery.Content{Title: title, Body: body}, data, priority)
	if err != nil {
		o.logger.Warn("Multicast send failed", "users", len(userTokens), "err", err)
		return &delivery.NotificationResult{Error: err.Error()}, nil
	}

	result := &delivery.NotificationResult{Success: batch.SuccessCount > 0}
	for i, resp := range batch.Responses {
		if resp.ErrorCode == delivery.ErrKindInvalidToken {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}
	if !result.Success {
		result.Error = fmt.Sprintf("all %d sends failed", batch.FailureCount)
	}
	return result, nil
}

// GetNotificationStatus resolves a record by id; an unknown id is an absent
// result, not an error.
func (o *Orchestrator) GetNotificationStatus(ctx context.Context, id string) (*delivery.PushNotification, error) {
	n, err := o.store.GetByID(ctx, id)
	if errors.Is(err, delivery.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

// GetPendingNotifications is the candidate set the external sweep drains.
func (o *Orchestrator) GetPendingNotifications(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error) {
	return o.store.GetPending(ctx, limit, skip)
}

// GetAccountNotifications returns an account's history, newest first.
func (o *Orchestrator) GetAccountNotifications(ctx context.Context, accountID string, limit, skip int) ([]delivery.PushNotification, error) {
	return o.store.GetByAccount(ctx, accountID, limit, skip)
}
