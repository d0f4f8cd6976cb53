package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// CreateAdmission inserts the durable admission record for (userID, eventID).
// It returns ErrDuplicate when the pair was already admitted, which is how
// concurrent admitters learn that they lost the race.
func CreateAdmission(ctx context.Context, db *gorm.DB, userID, eventID, text string, at time.Time) (*domain.AdmissionRecord, error) {
	rec := &domain.AdmissionRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		EventID:    eventID,
		Text:       text,
		AdmittedAt: at.UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// GetAdmission returns the admission record for (userID, eventID) or ErrNotFound.
func GetAdmission(ctx context.Context, db *gorm.DB, userID, eventID string) (*domain.AdmissionRecord, error) {
	var rec domain.AdmissionRecord
	err := db.WithContext(ctx).
		Where("user_id = ? AND event_id = ?", userID, eventID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteAdmission removes a single admission record. Missing rows are not an error.
func DeleteAdmission(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.AdmissionRecord{}).Error
}

// MarkAdmissionsReplied flips reply_sent for the given events of a user.
// Rows already marked are left untouched, so the flag changes at most once
// per record. It returns the number of rows flipped.
func MarkAdmissionsReplied(ctx context.Context, db *gorm.DB, userID string, eventIDs []string, at time.Time) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	sentAt := at.UTC()
	res := db.WithContext(ctx).
		Model(&domain.AdmissionRecord{}).
		Where("user_id = ? AND event_id IN ? AND reply_sent = ?", userID, eventIDs, false).
		Updates(map[string]any{"reply_sent": true, "reply_sent_at": &sentAt})
	return res.RowsAffected, res.Error
}

// PurgeAdmissions deletes every record admitted before the cutoff and
// returns how many were removed.
func PurgeAdmissions(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("admitted_at < ?", before.UTC()).
		Delete(&domain.AdmissionRecord{})
	return res.RowsAffected, res.Error
}
