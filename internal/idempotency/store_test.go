package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-natal-bot/internal/cache"
	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/repo"
)

func newDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "admissions.db"))
	require.NoError(t, err)
	db = db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if migrate {
		require.NoError(t, repo.AutoMigrate(db))
	}
	return db
}

type brokenIndex struct{}

func (brokenIndex) Contains(context.Context, string, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (brokenIndex) Mark(context.Context, string, string) error { return errors.New("redis down") }
func (brokenIndex) Purge(context.Context) (int, error)         { return 0, errors.New("redis down") }
func (brokenIndex) Len(context.Context) int                    { return -1 }

func TestAdmit_NewThenDuplicateFromFastTier(t *testing.T) {
	ctx := context.Background()
	s := New(newDB(t, true), cache.NewMemoryIndex(DefaultFastTTL))

	first, err := s.Admit(ctx, "u1", "100", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, first.Status)

	second, err := s.Admit(ctx, "u1", "100", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, TierFast, second.Tier)

	other, err := s.Admit(ctx, "u2", "100", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, other.Status, "event ids are only unique per user")
}

func TestAdmit_SurvivesRestartViaDurableTier(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, true)

	before := New(db, cache.NewMemoryIndex(DefaultFastTTL))
	a, err := before.Admit(ctx, "u1", "7", "hi")
	require.NoError(t, err)
	require.Equal(t, StatusNew, a.Status)

	// A fresh store has an empty fast index, like a restarted process.
	fast := cache.NewMemoryIndex(DefaultFastTTL)
	after := New(db, fast)
	b, err := after.Admit(ctx, "u1", "7", "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, b.Status)
	assert.Equal(t, TierDurable, b.Tier)
	assert.True(t, b.ReplyOwed, "no reply was ever marked as sent")

	hit, _ := fast.Contains(ctx, "u1", "7")
	assert.True(t, hit, "durable hit must backfill the fast index")
}

func TestAdmit_ReplyOwedClearsAfterMarkReplied(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, true)
	s := New(db, cache.NewMemoryIndex(DefaultFastTTL))

	_, err := s.Admit(ctx, "u1", "1", "a")
	require.NoError(t, err)
	require.NoError(t, s.MarkReplied(ctx, "u1", []string{"1"}))

	restarted := New(db, cache.NewMemoryIndex(DefaultFastTTL))
	got, err := restarted.Admit(ctx, "u1", "1", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, got.Status)
	assert.False(t, got.ReplyOwed)
}

func TestAdmit_ConcurrentIdenticalCallsYieldOneNew(t *testing.T) {
	ctx := context.Background()
	s := New(newDB(t, true), cache.NewMemoryIndex(DefaultFastTTL))

	var news, dups int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.Admit(ctx, "u1", "55", "x")
			if !assert.NoError(t, err) {
				return
			}
			if a.Status == StatusNew {
				atomic.AddInt32(&news, 1)
			} else {
				atomic.AddInt32(&dups, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), news)
	assert.Equal(t, int32(15), dups)
}

func TestAdmit_TwoProcessesShareOneDurableArbiter(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, true)
	stores := []*Store{
		New(db, cache.NewMemoryIndex(DefaultFastTTL)),
		New(db, cache.NewMemoryIndex(DefaultFastTTL)),
	}

	var news int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			a, err := s.Admit(ctx, "u1", "9", "x")
			if assert.NoError(t, err) && a.Status == StatusNew {
				atomic.AddInt32(&news, 1)
			}
		}(stores[i%2])
	}
	wg.Wait()
	assert.Equal(t, int32(1), news)
}

func TestAdmit_StorageFailureAbortsAdmission(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, false) // no tables
	fast := cache.NewMemoryIndex(DefaultFastTTL)
	s := New(db, fast)

	_, err := s.Admit(ctx, "u1", "1", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)

	hit, _ := fast.Contains(ctx, "u1", "1")
	assert.False(t, hit, "a failed admission must leave no trace in the fast index")

	require.NoError(t, repo.AutoMigrate(db))
	a, err := s.Admit(ctx, "u1", "1", "x")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, a.Status, "the retried event is admitted once storage recovers")
}

func TestAdmit_FastIndexFailureFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	s := New(newDB(t, true), brokenIndex{})

	a, err := s.Admit(ctx, "u1", "1", "x")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, a.Status)

	b, err := s.Admit(ctx, "u1", "1", "x")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, b.Status)
	assert.Equal(t, TierDurable, b.Tier)
}

func TestAdmit_ExpiredDurableRecordIsReadmitted(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, true)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.CreateAdmission(ctx, db, "u1", "1", "old", now.Add(-8*24*time.Hour))
	require.NoError(t, err)

	s := New(db, cache.NewMemoryIndex(DefaultFastTTL), WithClock(func() time.Time { return now }))
	a, err := s.Admit(ctx, "u1", "1", "again")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, a.Status)

	rec, err := repo.GetAdmission(ctx, db, "u1", "1")
	require.NoError(t, err)
	assert.Equal(t, "again", rec.Text)
}

func TestAdmit_EmptyKey(t *testing.T) {
	s := New(newDB(t, true), cache.NewMemoryIndex(DefaultFastTTL))
	_, err := s.Admit(context.Background(), "", "1", "x")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = s.Admit(context.Background(), "u1", "", "x")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestSweepAndStats(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, true)
	now := time.Now().UTC()

	_, _ = repo.CreateAdmission(ctx, db, "u1", "old", "", now.Add(-10*24*time.Hour))
	s := New(db, cache.NewMemoryIndex(DefaultFastTTL), WithRetention(7*24*time.Hour))
	_, err := s.Admit(ctx, "u1", "fresh", "")
	require.NoError(t, err)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Durable)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DurableTotal)
	assert.Equal(t, int64(1), st.PendingReplies)
	assert.Equal(t, 1, st.FastEntries)

	var left []domain.AdmissionRecord
	require.NoError(t, db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].EventID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(newDB(t, true), cache.NewMemoryIndex(DefaultFastTTL))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
