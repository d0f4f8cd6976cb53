// Package ledger keeps a short, bounded history of each user's conversation
// for use as LLM context.
//
// The first k entries appended to an empty ledger are pinned and never
// evicted. Once Capacity entries exist, appending evicts the oldest unpinned
// entry; if every stored entry is pinned the append is rejected with
// ErrLedgerFull. Every append is one transaction, so concurrent appends for
// the same user never leave more than Capacity entries behind.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/repo"
)

const (
	DefaultCapacity = 10
	DefaultPinned   = 2
)

var (
	// ErrLedgerFull is returned when the ledger is at capacity and holds no
	// unpinned entry that could be evicted.
	ErrLedgerFull = errors.New("ledger is full of pinned entries")
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("role must be user or assistant")
)

// Ledger is safe for concurrent use; all state lives in the database.
type Ledger struct {
	db       *gorm.DB
	capacity int
	pinned   int
}

// New returns a Ledger holding at most capacity entries per user, the first
// pinned of which are never evicted. Non-positive capacity falls back to
// DefaultCapacity; negative pinned to 0.
func New(db *gorm.DB, capacity, pinned int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if pinned < 0 {
		pinned = 0
	}
	return &Ledger{db: db, capacity: capacity, pinned: pinned}
}

// WithDB returns a copy of l bound to db, typically an open transaction.
func (l *Ledger) WithDB(db *gorm.DB) *Ledger {
	cp := *l
	cp.db = db
	return &cp
}

// Capacity returns the configured per-user bound.
func (l *Ledger) Capacity() int { return l.capacity }

// Append stores a new entry for userID, evicting the oldest unpinned entry
// if the ledger is at capacity.
func (l *Ledger) Append(ctx context.Context, userID string, role domain.Role, content string) (*domain.LedgerEntry, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	ctx, span := otel.Tracer("ledger/Ledger").Start(ctx, "Append")
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("role", string(role)))
	defer span.End()

	var out *domain.LedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := repo.NextLedgerSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		count, err := repo.CountLedger(ctx, tx, userID)
		if err != nil {
			return err
		}
		pinnedCount, err := repo.CountPinnedLedger(ctx, tx, userID)
		if err != nil {
			return err
		}
		// Still inside the opening prefix when nothing unpinned was ever kept.
		pin := pinnedCount == count && count < int64(l.pinned)

		if count >= int64(l.capacity) {
			victim, err := repo.OldestUnpinned(ctx, tx, userID)
			if errors.Is(err, repo.ErrNotFound) {
				return ErrLedgerFull
			}
			if err != nil {
				return err
			}
			if err := repo.DeleteLedgerEntry(ctx, tx, victim.ID); err != nil {
				return err
			}
		}

		e := &domain.LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Seq:       seq,
			Role:      role,
			Content:   content,
			Pinned:    pin,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.CreateLedgerEntry(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Read returns the stored entries of userID ordered by sequence.
func (l *Ledger) Read(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	return repo.ListLedger(ctx, l.db, userID)
}

// Reset deletes every entry of userID and returns how many were removed.
// The next append starts a fresh ledger, pinned prefix included.
func (l *Ledger) Reset(ctx context.Context, userID string) (int64, error) {
	var removed int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := repo.DeleteLedger(ctx, tx, userID)
		removed = n
		return err
	})
	return removed, err
}

// Summary describes a user's ledger for diagnostics.
type Summary struct {
	Total     int        `json:"total"`
	Pinned    int        `json:"pinned"`
	User      int        `json:"user_messages"`
	Assistant int        `json:"assistant_messages"`
	Capacity  int        `json:"capacity"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	Newest    *time.Time `json:"newest,omitempty"`
}

// Summarize computes a Summary over entries as returned by Read.
func (l *Ledger) Summarize(entries []domain.LedgerEntry) Summary {
	s := Summary{Total: len(entries), Capacity: l.capacity}
	for i := range entries {
		e := &entries[i]
		if e.Pinned {
			s.Pinned++
		}
		switch e.Role {
		case domain.RoleUser:
			s.User++
		case domain.RoleAssistant:
			s.Assistant++
		}
	}
	if len(entries) > 0 {
		oldest, newest := entries[0].CreatedAt, entries[len(entries)-1].CreatedAt
		s.Oldest, s.Newest = &oldest, &newest
	}
	return s
}
