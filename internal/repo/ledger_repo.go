package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// CreateLedgerEntry inserts e. The (user_id, seq) pair must be unused.
func CreateLedgerEntry(ctx context.Context, db *gorm.DB, e *domain.LedgerEntry) error {
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// NextLedgerSeq returns the sequence number the next entry of userID gets.
// Evictions never free a number; after a reset numbering starts again at 1.
func NextLedgerSeq(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var maxSeq int64
	err := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq + 1, err
}

// CountLedger returns how many entries userID currently holds.
func CountLedger(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// CountPinnedLedger returns how many pinned entries userID holds.
func CountPinnedLedger(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).Where("user_id = ? AND pinned = ?", userID, true).Count(&n).Error
	return n, err
}

// OldestUnpinned returns the unpinned entry with the lowest seq, or ErrNotFound.
func OldestUnpinned(ctx context.Context, db *gorm.DB, userID string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND pinned = ?", userID, false).
		Order("seq ASC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteLedgerEntry removes one entry by id.
func DeleteLedgerEntry(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.LedgerEntry{}).Error
}

// ListLedger returns the entries of userID in seq order.
func ListLedger(ctx context.Context, db *gorm.DB, userID string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// DeleteLedger removes every entry of userID, returning the count removed.
func DeleteLedger(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	res := db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.LedgerEntry{})
	return res.RowsAffected, res.Error
}
