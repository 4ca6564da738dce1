// Package delivery contains the public domain model and interfaces for the
// push-delivery engine.
package delivery

import "time"

// Status is the lifecycle state of a PushNotification.
//
// pending -> processing -> {sent, failed}; failed loops back through
// processing while retries remain, then expires. delivered is only reachable
// through an external delivery-receipt path.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Priority selects between synchronous dispatch and the deferred sweep.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityNormal    Priority = "normal"
)

// ParsePriority validates a wire-level priority string. An empty string maps
// to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityImmediate:
		return PriorityImmediate, nil
	case PriorityNormal, Priority(""):
		return PriorityNormal, nil
	default:
		return "", ErrInvalidPriority
	}
}

// Rank returns a numeric weight so "priority desc" is a real index ordering
// rather than a lexicographic accident of the enum strings.
func (p Priority) Rank() int {
	if p == PriorityImmediate {
		return 1
	}
	return 0
}

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

const (
	// DefaultMaxRetries is the retry budget applied when a caller does not set one.
	DefaultMaxRetries = 4
	// DefaultExpiry is how long a record stays eligible for dispatch.
	DefaultExpiry = 24 * time.Hour
)

// DeviceToken is a registered delivery target. Registration is owned by an
// external subsystem; this engine only reads these.
type DeviceToken struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Token     string   `json:"token"`
	Platform  Platform `json:"platform"`
	Active    bool     `json:"active"`
}

// PushNotification is the unit of delivery work: one record per logical
// notification, covering the whole attempt series for its device set.
type PushNotification struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	DeviceTokenIDs []string          `json:"device_token_ids"`
	Status         Status            `json:"status"`
	Priority       Priority          `json:"priority"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Expired reports whether the record's TTL has passed and it is no longer
// eligible for dispatch. Physical reaping is a store-level concern.
func (n *PushNotification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// BackoffDelay returns the un-jittered exponential backoff before the given
// attempt: 2^attempt minutes.
func BackoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// ApplyRetry advances the retry bookkeeping after a failed dispatch attempt.
// Reaching the retry budget flips the record to its terminal expired state;
// otherwise it is parked as failed with the next attempt scheduled.
func ApplyRetry(n *PushNotification, now time.Time) {
	n.RetryCount++
	if n.RetryCount >= n.MaxRetries {
		n.Status = StatusExpired
		n.ErrorMessage = "Maximum retry attempts exceeded"
		n.NextRetryAt = nil
	} else {
		n.Status = StatusFailed
		next := now.Add(BackoffDelay(n.RetryCount))
		n.NextRetryAt = &next
	}
	n.UpdatedAt = now
}

// Content is the display portion of a notification handed to the gateway.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DispatchResult is the per-device outcome of a gateway send. It is never
// persisted individually; only aggregated into the notification's own state.
type DispatchResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorKind `json:"error_code,omitempty"`
}

// BatchDispatchResult aggregates per-device outcomes of a multicast send.
type BatchDispatchResult struct {
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	Responses    []DispatchResult `json:"responses"`
}

// NotificationResult is the outcome of a fire-and-forget send outside the
// tracked pipeline. InvalidTokens lists tokens the gateway reported as
// permanently dead, for the caller to deregister.
type NotificationResult struct {
	Success       bool     `json:"success"`
	MessageID     string   `json:"message_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	InvalidTokens []string `json:"invalid_tokens,omitempty"`
}
