package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-delivery/pkg/delivery"
)

const deviceTokensCollection = "device_tokens"

// TokenReader implements delivery.TokenProvider against the registration
// subsystem's collection. That subsystem owns all writes; this engine only
// resolves dispatch targets from it.
type TokenReader struct {
	client *firestore.Client
}

func NewTokenReader(client *firestore.Client) *TokenReader {
	return &TokenReader{client: client}
}

// deviceTokenRecord is the registration subsystem's schema for a device.
type deviceTokenRecord struct {
	AccountID string `firestore:"account_id"`
	Token     string `firestore:"token"`
	Platform  string `firestore:"platform"`
	Active    bool   `firestore:"active"`
}

// GetActiveTokens returns all active tokens for an account.
func (r *TokenReader) GetActiveTokens(ctx context.Context, accountID string) ([]delivery.DeviceToken, error) {
	iter := r.client.Collection(deviceTokensCollection).
		Where("account_id", "==", accountID).
		Where("active", "==", true).
		Documents(ctx)
	defer iter.Stop()

	tokens := make([]delivery.DeviceToken, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var rec deviceTokenRecord
		if err := doc.DataTo(&rec); err != nil {
			continue
		}
		tokens = append(tokens, toDeviceToken(doc.Ref.ID, rec))
	}
	return tokens, nil
}

// GetTokensByIDs resolves an explicit id list, preserving input order.
// Unknown or inactive ids are silently dropped.
func (r *TokenReader) GetTokensByIDs(ctx context.Context, ids []string) ([]delivery.DeviceToken, error) {
	tokens := make([]delivery.DeviceToken, 0, len(ids))
	for _, id := range ids {
		doc, err := r.client.Collection(deviceTokensCollection).Doc(id).Get(ctx)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("firestore get failed: %w", err)
		}

		var rec deviceTokenRecord
		if err := doc.DataTo(&rec); err != nil {
			continue
		}
		if !rec.Active {
			continue
		}
		tokens = append(tokens, toDeviceToken(id, rec))
	}
	return tokens, nil
}

func toDeviceToken(id string, rec deviceTokenRecord) delivery.DeviceToken {
	return delivery.DeviceToken{
		ID:        id,
		AccountID: rec.AccountID,
		Token:     rec.Token,
		Platform:  delivery.Platform(rec.Platform),
		Active:    rec.Active,
	}
}
