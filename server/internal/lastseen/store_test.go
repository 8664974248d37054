package lastseen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 123456789, time.UTC)

	zero, err := s.Get(ctx, "alice", "g1")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	require.NoError(t, s.Set(ctx, "alice", "g1", base))
	require.NoError(t, s.Set(ctx, "alice", "g1", base.Add(-time.Hour)))
	got, err := s.Get(ctx, "alice", "g1")
	require.NoError(t, err)
	assert.True(t, base.Equal(got), "older write must not move the timestamp back: got %v", got)

	require.NoError(t, s.Set(ctx, "alice", "g1", base.Add(time.Minute)))
	got, err = s.Get(ctx, "alice", "g1")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Minute).Equal(got))

	other, err := s.Get(ctx, "bob", "g1")
	require.NoError(t, err)
	assert.True(t, other.IsZero(), "viewers are independent")
}

func TestMemoryStoreIsMonotonic(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStoreIsMonotonic(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "lastseen.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

// TestSQLiteStoreSurvivesReopen 验证时间戳在重新打开数据库后仍然存在。
func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastseen.db")
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "alice", "g1", ts))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "alice", "g1")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
}
