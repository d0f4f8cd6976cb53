package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/domain"
)

// AdmissionStats summarizes the durable admission table.
type AdmissionStats struct {
	Total          int64 `json:"total"`
	PendingReplies int64 `json:"pending_replies"`
}

// CountAdmissions returns the total number of admission records and how
// many of them still await a reply.
func CountAdmissions(ctx context.Context, db *gorm.DB) (AdmissionStats, error) {
	var s AdmissionStats
	q := db.WithContext(ctx).Model(&domain.AdmissionRecord{})
	if err := q.Count(&s.Total).Error; err != nil {
		return AdmissionStats{}, err
	}
	err := db.WithContext(ctx).
		Model(&domain.AdmissionRecord{}).
		Where("reply_sent = ?", false).
		Count(&s.PendingReplies).Error
	return s, err
}

// LedgerStats returns metadata used for ledger ETags: the number of entries,
// the highest seq, and the creation time of the newest entry (nil when empty).
func LedgerStats(ctx context.Context, db *gorm.DB, userID string) (count, maxSeq int64, newest *time.Time, err error) {
	scope := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.LedgerEntry{}).Where("user_id = ?", userID)
	}
	if err = scope().Count(&count).Error; err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		return 0, 0, nil, nil
	}

	// Avoid MAX() on timestamps, which SQLite returns as TEXT.
	var row struct {
		Seq       int64
		CreatedAt time.Time
	}
	if err = scope().Select("seq", "created_at").Order("seq DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, nil, err
	}
	return count, row.Seq, &row.CreatedAt, nil
}
