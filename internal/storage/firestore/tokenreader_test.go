//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-push-delivery/internal/storage/firestore"
)

func setupTokenSuite(t *testing.T) (context.Context, *firestore.Client, *fs.TokenReader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-token-reader"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, client, fs.NewTokenReader(client)
}

func seedToken(t *testing.T, ctx context.Context, client *firestore.Client, id, accountID, token string, active bool) {
	t.Helper()
	_, err := client.Collection("device_tokens").Doc(id).Set(ctx, map[string]interface{}{
		"account_id": accountID,
		"token":      token,
		"platform":   "android",
		"active":     active,
	})
	require.NoError(t, err)
}

func TestTokenReader_Integration(t *testing.T) {
	ctx, client, reader := setupTokenSuite(t)

	seedToken(t, ctx, client, "dev-1", "acct-1", "token-1", true)
	seedToken(t, ctx, client, "dev-2", "acct-1", "token-2", false)
	seedToken(t, ctx, client, "dev-3", "acct-2", "token-3", true)

	t.Run("GetActiveTokens filters inactive and other accounts", func(t *testing.T) {
		tokens, err := reader.GetActiveTokens(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Equal(t, "token-1", tokens[0].Token)
		assert.Equal(t, "acct-1", tokens[0].AccountID)
	})

	t.Run("GetActiveTokens unknown account is empty", func(t *testing.T) {
		tokens, err := reader.GetActiveTokens(ctx, "acct-none")
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})

	t.Run("GetTokensByIDs drops unknown and inactive", func(t *testing.T) {
		tokens, err := reader.GetTokensByIDs(ctx, []string{"dev-3", "dev-2", "missing", "dev-1"})
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		// Input order preserved.
		assert.Equal(t, "token-3", tokens[0].Token)
		assert.Equal(t, "token-1", tokens[1].Token)
	})
}
