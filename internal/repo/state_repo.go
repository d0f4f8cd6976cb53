package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// GetState returns the conversation state of userID or ErrNotFound.
func GetState(ctx context.Context, db *gorm.DB, userID string) (*domain.ConversationState, error) {
	var st domain.ConversationState
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetOrCreateState returns the stored state, inserting the initial
// COLLECTING row for users seen for the first time.
func GetOrCreateState(ctx context.Context, db *gorm.DB, userID string) (*domain.ConversationState, error) {
	st, err := GetState(ctx, db, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fresh := domain.NewConversationState(userID)
	if err := db.WithContext(ctx).Create(&fresh).Error; err != nil {
		if isUniqueViolation(err) {
			// Someone else created it first.
			return GetState(ctx, db, userID)
		}
		return nil, err
	}
	return &fresh, nil
}

// SaveState writes next as a single-row update guarded by the version the
// caller read. On success next.Version is bumped; when another writer got
// there first ErrStaleState is returned and nothing is written.
func SaveState(ctx context.Context, db *gorm.DB, next *domain.ConversationState) error {
	read := next.Version
	next.Version = read + 1
	next.UpdatedAt = time.Now().UTC()

	res := db.WithContext(ctx).
		Model(next).
		Where("version = ?", read).
		Select("state", "pending", "missing_fields", "active_profile_id", "version", "updated_at").
		Updates(next)
	if res.Error != nil {
		next.Version = read
		return res.Error
	}
	if res.RowsAffected == 0 {
		next.Version = read
		return ErrStaleState
	}
	return nil
}
