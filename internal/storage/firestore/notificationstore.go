// Package firestore implements the notification store and device-token
// reader on Google Cloud Firestore.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

const notificationsCollection = "push_notifications"

// NotificationStore persists PushNotification records. All state transitions
// run inside Firestore transactions so concurrent workers contend on the
// record's current status instead of overwriting each other.
type NotificationStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewNotificationStore(client *firestore.Client) *NotificationStore {
	return &NotificationStore{client: client, now: time.Now}
}

// notificationRecord is the internal DB representation.
type notificationRecord struct {
	AccountID      string            `firestore:"account_id"`
	Title          string            `firestore:"title"`
	Body           string            `firestore:"body"`
	Data           map[string]string `firestore:"data,omitempty"`
	DeviceTokenIDs []string          `firestore:"device_token_ids"`
	Status         string            `firestore:"status"`
	Priority       string            `firestore:"priority"`
	PriorityRank   int               `firestore:"priority_rank"`
	RetryCount     int               `firestore:"retry_count"`
	MaxRetries     int               `firestore:"max_retries"`
	NextRetryAt    *time.Time        `firestore:"next_retry_at,omitempty"`
	SentAt         *time.Time        `firestore:"sent_at,omitempty"`
	DeliveredAt    *time.Time        `firestore:"delivered_at,omitempty"`
	ErrorMessage   string            `firestore:"error_message,omitempty"`
	ExpiresAt      time.Time         `firestore:"expires_at"`
	CreatedAt      time.Time         `firestore:"created_at"`
	UpdatedAt      time.Time         `firestore:"updated_at"`
}

func toRecord(n *delivery.PushNotification) notificationRecord {
	return notificationRecord{
		AccountID:      n.AccountID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		DeviceTokenIDs: n.DeviceTokenIDs,
		Status:         string(n.Status),
		Priority:       string(n.Priority),
		PriorityRank:   n.Priority.Rank(),
		RetryCount:     n.RetryCount,
		MaxRetries:     n.MaxRetries,
		NextRetryAt:    n.NextRetryAt,
		SentAt:         n.SentAt,
		DeliveredAt:    n.DeliveredAt,
		ErrorMessage:   n.ErrorMessage,
		ExpiresAt:      n.ExpiresAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func toDomain(id string, rec notificationRecord) delivery.PushNotification {
	return delivery.PushNotification{
		ID:             id,
		AccountID:      rec.AccountID,
		Title:          rec.Title,
		Body:           rec.Body,
		Data:           rec.Data,
		DeviceTokenIDs: rec.DeviceTokenIDs,
		Status:         delivery.Status(rec.Status),
		Priority:       delivery.Priority(rec.Priority),
		RetryCount:     rec.RetryCount,
		MaxRetries:     rec.MaxRetries,
		NextRetryAt:    rec.NextRetryAt,
		SentAt:         rec.SentAt,
		DeliveredAt:    rec.DeliveredAt,
		ErrorMessage:   rec.ErrorMessage,
		ExpiresAt:      rec.ExpiresAt,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// Create persists a new record with status pending and retry_count 0.
func (s *NotificationStore) Create(ctx context.Context, n *delivery.PushNotification) (*delivery.PushNotification, error) {
	now := s.now()
	created := *n
	created.ID = uuid.NewString()
	created.Status = delivery.StatusPending
	created.RetryCount = 0
	if created.MaxRetries <= 0 {
		created.MaxRetries = delivery.DefaultMaxRetries
	}
	if created.ExpiresAt.IsZero() {
		created.ExpiresAt = now.Add(delivery.DefaultExpiry)
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	if _, err := s.docRef(created.ID).Create(ctx, toRecord(&created)); err != nil {
		return nil, fmt.Errorf("firestore create failed: %w", err)
	}
	return &created, nil
}

// UpdateStatus sets status and error message, stamping sent_at / delivered_at
// on their first respective transitions.
func (s *NotificationStore) UpdateStatus(ctx context.Context, id string, st delivery.Status, errMsg string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.docRef(id)
		rec, err := s.read(tx, ref)
		if err != nil {
			return err
		}

		now := s.now()
		rec.Status = string(st)
		rec.ErrorMessage = errMsg
		rec.UpdatedAt = now
		if st == delivery.StatusSent && rec.SentAt == nil {
			rec.SentAt = &now
		}
		if st == delivery.StatusDelivered && rec.DeliveredAt == nil {
			rec.DeliveredAt = &now
		}
		return tx.Set(ref, rec)
	})
}

// IncrementRetry advances retry bookkeeping atomically.
func (s *NotificationStore) IncrementRetry(ctx context.Context, id string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := s.docRef(id)
		rec, err := s.read(tx, ref)
		if err != nil {
			return err
		}

		n := toDomain(id, *rec)
		delivery.ApplyRetry(&n, s.now())
		return tx.Set(ref, toRecord(&n))
	})
}

// MarkAsSent is shorthand for a sent transition with a cleared error.
func (s *NotificationStore) MarkAsSent(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, delivery.StatusSent, "")
}

// Claim advances the record to processing if its current status is still one
// of from. A record another worker already claimed, a failed record not yet
// due, or an expired record all return (false, nil).
func (s *NotificationStore) Claim(ctx context.Context, id string, from []delivery.Status) (bool, error) {
	claimed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		ref := s.docRef(id)
		rec, err := s.read(tx, ref)
		if err != nil {
			return err
		}

		now := s.now()
		n := toDomain(id, *rec)
		if !statusIn(n.Status, from) {
			return nil
		}
		if n.Expired(now) {
			return nil
		}
		if n.Status == delivery.StatusFailed && (n.NextRetryAt == nil || now.Before(*n.NextRetryAt)) {
			return nil
		}

		rec.Status = string(delivery.StatusProcessing)
		rec.UpdatedAt = now
		if err := tx.Set(ref, rec); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// GetByID resolves a single record, returning delivery.ErrNotFound when absent.
func (s *NotificationStore) GetByID(ctx context.Context, id string) (*delivery.PushNotification, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}

	var rec notificationRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("firestore decode failed: %w", err)
	}
	n := toDomain(id, rec)
	return &n, nil
}

// GetPending is the candidate set the external sweep drains: pending records,
// highest priority first, oldest first within a priority. The page limit
// counts dispatchable records only: TTL-expired rows that never left pending
// (they only become expired via retry exhaustion) are scanned past instead of
// consuming the page, so a reaping backlog cannot starve newer records.
func (s *NotificationStore) GetPending(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error) {
	q := s.collection().
		Where("status", "==", string(delivery.StatusPending)).
		OrderBy("priority_rank", firestore.Desc).
		OrderBy("created_at", firestore.Asc)

	now := s.now()
	return s.collectDispatchable(ctx, q, limit, skip, func(n delivery.PushNotification) bool {
		return !n.Expired(now)
	})
}

// GetForRetry selects failed records whose backoff has elapsed. Firestore
// requires the range-filtered field to sort first, so the query orders by
// next_retry_at and the page is re-sorted to priority desc, next_retry_at asc.
func (s *NotificationStore) GetForRetry(ctx context.Context, limit, skip int) ([]delivery.PushNotification, error) {
	now := s.now()
	q := s.collection().
		Where("status", "==", string(delivery.StatusFailed)).
		Where("next_retry_at", "<=", now).
		OrderBy("next_retry_at", firestore.Asc)

	due, err := s.collectDispatchable(ctx, q, limit, skip, func(n delivery.PushNotification) bool {
		// A failed record always has retry budget left (IncrementRetry flips
		// it to expired at the boundary); the guard holds the invariant even
		// against records written by older code.
		if n.RetryCount >= n.MaxRetries {
			return false
		}
		return !n.Expired(now)
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority.Rank() != due[j].Priority.Rank() {
			return due[i].Priority.Rank() > due[j].Priority.Rank()
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	return due, nil
}

// GetByAccount returns an account's notification history, newest first.
func (s *NotificationStore) GetByAccount(ctx context.Context, accountID string, limit, skip int) ([]delivery.PushNotification, error) {
	q := s.collection().
		Where("account_id", "==", accountID).
		OrderBy("created_at", firestore.Desc).
		Offset(skip).
		Limit(limit)
	return s.runQuery(ctx, q)
}

// --- Helpers ---

func (s *NotificationStore) collection() *firestore.CollectionRef {
	return s.client.Collection(notificationsCollection)
}

func (s *NotificationStore) docRef(id string) *firestore.DocumentRef {
	return s.collection().Doc(id)
}

func (s *NotificationStore) read(tx *firestore.Transaction, ref *firestore.DocumentRef) (*notificationRecord, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore read failed: %w", err)
	}

	var rec notificationRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("firestore decode failed: %w", err)
	}
	return &rec, nil
}

func (s *NotificationStore) runQuery(ctx context.Context, q firestore.Query) ([]delivery.PushNotification, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var results []delivery.PushNotification
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var rec notificationRecord
		if err := doc.DataTo(&rec); err != nil {
			// Skip corrupt rows rather than failing the whole page.
			continue
		}
		results = append(results, toDomain(doc.Ref.ID, rec))
	}
	return results, nil
}

// collectDispatchable streams the query and applies skip/limit over records
// that pass keep, so filtered-out rows never consume the page. Reaping
// TTL-expired rows is a store-level TTL index concern, not engine logic; the
// filter here only keeps them out of dispatch candidates.
func (s *NotificationStore) collectDispatchable(ctx context.Context, q firestore.Query, limit, skip int, keep func(delivery.PushNotification) bool) ([]delivery.PushNotification, error) {
	if limit <= 0 {
		return []delivery.PushNotification{}, nil
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	results := make([]delivery.PushNotification, 0, limit)
	skipped := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var rec notificationRecord
		if err := doc.DataTo(&rec); err != nil {
			// Skip corrupt rows rather than failing the whole page.
			continue
		}
		n := toDomain(doc.Ref.ID, rec)
		if !keep(n) {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}
		results = append(results, n)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func statusIn(st delivery.Status, set []delivery.Status) bool {
	for _, candidate := range set {
		if st == candidate {
			return true
		}
	}
	return false
}
