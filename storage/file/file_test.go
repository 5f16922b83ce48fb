package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, err = New(Config{Dir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStorage_LoadMissing(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Load(context.Background(), "accounts")
	assert.ErrorIs(t, err, credit.ErrDocumentNotFound)

	_, err = s.LoadBackup(context.Background(), "accounts")
	assert.ErrorIs(t, err, credit.ErrDocumentNotFound)
}

func TestStorage_SaveRotatesBackup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "accounts", []byte(`{"v":1}`)))
	require.NoError(t, s.Save(ctx, "accounts", []byte(`{"v":2}`)))

	doc, err := s.Load(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(doc))

	bak, err := s.LoadBackup(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(bak))

	info, err := os.Stat(s.Path("accounts"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStorage_NoTempFilesLeft(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, "pending_jobs", []byte(`{}`)))
	}

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"pending_jobs.json", "pending_jobs.json.bak"}, names)
}

func TestStorage_SaveCanceledContext(t *testing.T) {
	s := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Save(ctx, "accounts", []byte(`{}`)), context.Canceled)
	_, err := s.Load(context.Background(), "accounts")
	assert.ErrorIs(t, err, credit.ErrDocumentNotFound)
}
