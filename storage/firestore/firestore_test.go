package firestore

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// setupTestFirestore connects to the emulator named by FIRESTORE_EMULATOR_HOST.
func setupTestFirestore(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), "gocredit-test")
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestGetString(t *testing.T) {
	data := map[string]interface{}{"body": "{}", "count": 3}
	assert.Equal(t, "{}", getString(data, "body"))
	assert.Equal(t, "", getString(data, "count"))
	assert.Equal(t, "", getString(data, "missing"))
}

func TestStorage_SaveLoad(t *testing.T) {
	client := setupTestFirestore(t)
	defer client.Close()

	s, err := New(client, Config{Collection: "ledger_test_" + t.Name()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx, "accounts")
	assert.ErrorIs(t, err, credit.ErrDocumentNotFound)

	require.NoError(t, s.Save(ctx, "accounts", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "accounts", []byte(`{"v":2}`)))

	doc, err := s.Load(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(doc))

	bak, err := s.LoadBackup(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(bak))
}
