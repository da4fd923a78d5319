package models

import (
	"time"

	"gorm.io/gorm"
)

// ScheduledSend statuses
const (
	SendStatusPending = "pending"
	SendStatusSent    = "sent"
	SendStatusFailed  = "failed"
	SendStatusSkipped = "skipped"
)

// ScheduledSend is one attempt record for delivering a specific step to a
// specific enrollment. The unique index on (enrollment_id, step_ordinal) is
// the at-most-once delivery guarantee: concurrent scheduler passes that race
// on creation collapse onto the same row, and retries mutate AttemptCount
// and LastError in place instead of creating new rows.
type ScheduledSend struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;uniqueIndex:idx_sends_enrollment_step" json:"enrollment_id"`
	StepOrdinal  int  `gorm:"not null;uniqueIndex:idx_sends_enrollment_step" json:"step_ordinal"`

	SubscriberID uint `gorm:"not null;index" json:"subscriber_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`

	RecipientEmail string `gorm:"not null" json:"recipient_email"`
	TemplateName   string `gorm:"not null" json:"template_name"`
	Subject        string `json:"subject"`

	ScheduledFor time.Time `gorm:"not null;index" json:"scheduled_for"` // enrolled_at + day_offset

	Status       string     `gorm:"default:'pending';index" json:"status"` // pending, sent, failed, skipped
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at"` // backoff gate for retries, persisted across restarts
	LastError    string     `json:"last_error"`

	// MessageID is the transport-assigned id, used to correlate webhook
	// signals and tracking hits back to this send.
	MessageID string `gorm:"index" json:"message_id"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	BouncedAt   *time.Time `json:"bounced_at"`

	// Relations
	Enrollment Enrollment `json:"-"`
}

// Terminal reports whether the send has reached a final state.
func (s *ScheduledSend) Terminal() bool {
	return s.Status == SendStatusSent || s.Status == SendStatusFailed || s.Status == SendStatusSkipped
}
