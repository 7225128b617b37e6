package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/storage"
)

// NewStore opens a SQLite store in a temporary directory.
func NewStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "rmm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
