// Package domain defines the persistence models of the bot: admission
// records, per-user conversation state, the bounded history ledger, and
// stored astrological profiles. These types are mapped with GORM and shared
// by the repository and service layers.
package domain

import "time"

// AdmissionRecord is the durable proof that an inbound event was admitted
// for processing. The (user_id, event_id) pair is unique; that index is the
// final arbiter between concurrent admitters, including ones that run in
// other processes against the same database.
//
// ReplySent flips to true exactly once, after a reply covering the event has
// been delivered. A record found with ReplySent=false on a later duplicate
// means a reply is still owed (see idempotency.Admission.ReplyOwed).
type AdmissionRecord struct {
	ID          string     `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID      string     `json:"user_id"       gorm:"type:varchar(64);not null;uniqueIndex:ux_admission_user_event,priority:1"`
	EventID     string     `json:"event_id"      gorm:"type:varchar(64);not null;uniqueIndex:ux_admission_user_event,priority:2"`
	Text        string     `json:"text"          gorm:"type:text;not null;default:''"`
	ReplySent   bool       `json:"reply_sent"    gorm:"not null;default:false;index"`
	ReplySentAt *time.Time `json:"reply_sent_at,omitempty"`
	AdmittedAt  time.Time  `json:"admitted_at"   gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (AdmissionRecord) TableName() string { return "admissions" }

// InboundEvent is a single inbound text message as delivered by the
// messaging platform. EventID is the platform-assigned message id and is
// only unique per user.
type InboundEvent struct {
	UserID     string
	EventID    string
	Text       string
	ReceivedAt time.Time
}
