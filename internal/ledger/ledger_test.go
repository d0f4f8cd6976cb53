package ledger

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/repo"
)

func newLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func roleFor(i int) domain.Role {
	if i%2 == 0 {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

func TestAppend_PinnedPrefixSurvivesOverflow(t *testing.T) {
	ctx := context.Background()
	l := New(newLedgerDB(t), 10, 2)

	for i := 0; i < 15; i++ {
		_, err := l.Append(ctx, "u1", roleFor(i), fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	entries, err := l.Read(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 10)

	assert.Equal(t, "m0", entries[0].Content)
	assert.Equal(t, "m1", entries[1].Content)
	assert.True(t, entries[0].Pinned)
	assert.True(t, entries[1].Pinned)

	// Strict FIFO among unpinned: m2..m6 evicted, m7..m14 kept.
	for i, e := range entries[2:] {
		assert.Equal(t, fmt.Sprintf("m%d", i+7), e.Content)
		assert.False(t, e.Pinned)
	}
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestAppend_RejectsWhenOnlyPinnedEntriesRemain(t *testing.T) {
	ctx := context.Background()
	l := New(newLedgerDB(t), 2, 2)

	_, err := l.Append(ctx, "u1", domain.RoleUser, "q")
	require.NoError(t, err)
	_, err = l.Append(ctx, "u1", domain.RoleAssistant, "a")
	require.NoError(t, err)

	_, err = l.Append(ctx, "u1", domain.RoleUser, "overflow")
	assert.ErrorIs(t, err, ErrLedgerFull)

	entries, _ := l.Read(ctx, "u1")
	assert.Len(t, entries, 2, "rejected append must not change the ledger")
}

func TestAppend_InvalidRole(t *testing.T) {
	l := New(newLedgerDB(t), 10, 2)
	_, err := l.Append(context.Background(), "u1", domain.Role("system"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestReset_ClearsEverythingAndRestartsPinning(t *testing.T) {
	ctx := context.Background()
	l := New(newLedgerDB(t), 10, 2)
	for i := 0; i < 4; i++ {
		_, _ = l.Append(ctx, "u1", roleFor(i), "x")
	}
	_, _ = l.Append(ctx, "u2", domain.RoleUser, "other")

	n, err := l.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	entries, _ := l.Read(ctx, "u1")
	assert.Empty(t, entries)

	again, err := l.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, again)

	e, err := l.Append(ctx, "u1", domain.RoleUser, "fresh start")
	require.NoError(t, err)
	assert.True(t, e.Pinned, "a reset ledger pins its new opening exchange")

	others, _ := l.Read(ctx, "u2")
	assert.Len(t, others, 1)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	l := New(newLedgerDB(t), 10, 2)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, "u1", roleFor(i), "x")
	}
	entries, _ := l.Read(ctx, "u1")
	s := l.Summarize(entries)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Pinned)
	assert.Equal(t, 3, s.User)
	assert.Equal(t, 2, s.Assistant)
	assert.Equal(t, 10, s.Capacity)
	require.NotNil(t, s.Oldest)
	require.NotNil(t, s.Newest)

	empty := l.Summarize(nil)
	assert.Nil(t, empty.Oldest)
}

func TestWithDB_UsesTransaction(t *testing.T) {
	ctx := context.Background()
	db := newLedgerDB(t)
	l := New(db, 10, 2)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := l.WithDB(tx).Append(ctx, "u1", domain.RoleUser, "inside"); err != nil {
			return err
		}
		return fmt.Errorf("rollback")
	})
	require.Error(t, err)

	entries, _ := l.Read(ctx, "u1")
	assert.Empty(t, entries, "append inside a rolled-back transaction must vanish")
}
