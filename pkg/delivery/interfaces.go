package delivery

import "context"

// Gateway wraps the third-party push provider behind a stable interface.
//
// Send and SendMulticast return a classified *GatewayError for the conditions
// the caller must react to (dead token, quota exhaustion, credential failure).
// All other gateway-side failures come back inside the result with a nil
// error, so batch operations are never aborted by one unclassified failure.
type Gateway interface {
	// Send delivers to a single device token.
	Send(ctx context.Context, token string, content Content, data map[string]string, priority Priority) (*DispatchResult, error)

	// SendMulticast delivers to a batch of tokens in one gateway call.
	// Batches larger than the gateway limit are rejected before any call.
	SendMulticast(ctx context.Context, tokens []string, content Content, data map[string]string, priority Priority) (*BatchDispatchResult, error)

	// ValidateToken dry-runs a send and reports whether the token is usable.
	ValidateToken(ctx context.Context, token string) bool
}

// TokenProvider supplies active device tokens. The registration subsystem
// owns the data; this engine only reads it.
type TokenProvider interface {
	// GetActiveTokens returns all active tokens for an account.
	GetActiveTokens(ctx context.Context, accountID string) ([]DeviceToken, error)

	// GetTokensByIDs resolves an explicit id list, preserving input order.
	// Unknown or inactive ids are silently dropped.
	GetTokensByIDs(ctx context.Context, ids []string) ([]DeviceToken, error)
}

// Store persists PushNotification records and performs atomic state
// transitions. Every transition out of pending/failed goes through Claim so
// that concurrent sweep workers never advance the same record twice.
type Store interface {
	// Create persists a new record with status pending and retry_count 0.
	Create(ctx context.Context, n *PushNotification) (*PushNotification, error)

	// UpdateStatus sets status and error message, stamping sent_at and
	// delivered_at on their first respective transitions.
	// Returns ErrNotFound for an unknown id.
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error

	// IncrementRetry advances retry bookkeeping: schedules the next attempt
	// with exponential backoff, or expires the record once the budget is spent.
	IncrementRetry(ctx context.Context, id string) error

	// MarkAsSent is shorthand for UpdateStatus(id, StatusSent, "").
	MarkAsSent(ctx context.Context, id string) error

	// Claim atomically advances the record to processing if its current
	// status is still one of from (and, for failed records, the retry is
	// actually due). A missed precondition means another worker got there
	// first: it returns (false, nil) and the caller skips the record.
	Claim(ctx context.Context, id string, from []Status) (bool, error)

	Reader
}

// Reader is the query surface an external sweep scheduler drains.
type Reader interface {
	GetByID(ctx context.Context, id string) (*PushNotification, error)

	// GetPending returns pending records ordered priority desc, created_at asc.
	GetPending(ctx context.Context, limit, skip int) ([]PushNotification, error)

	// GetForRetry returns failed records whose next_retry_at has passed,
	// ordered priority desc then next_retry_at asc. Expired records never
	// appear here.
	GetForRetry(ctx context.Context, limit, skip int) ([]PushNotification, error)

	// GetByAccount returns an account's full history, newest first.
	GetByAccount(ctx context.Context, accountID string, limit, skip int) ([]PushNotification, error)
}
