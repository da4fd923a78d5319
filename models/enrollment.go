package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentStatusActive       = "active"
	EnrollmentStatusPaused       = "paused"
	EnrollmentStatusCompleted    = "completed"
	EnrollmentStatusUnsubscribed = "unsubscribed"
)

// Enrollment binds one subscriber to one sequence and tracks progress.
// CurrentStep is the ordinal of the next step not yet attempted; it only
// ever moves forward, by exactly one per terminal send outcome.
type Enrollment struct {
	gorm.Model
	SubscriberID uint `gorm:"not null;index:idx_enrollments_pair" json:"subscriber_id"`
	SequenceID   uint `gorm:"not null;index:idx_enrollments_pair" json:"sequence_id"`

	Status      string    `gorm:"default:'active';index" json:"status"` // active, paused, completed, unsubscribed
	CurrentStep int       `gorm:"default:0" json:"current_step"`
	EnrolledAt  time.Time `gorm:"not null" json:"enrolled_at"`

	CompletedAt    *time.Time `json:"completed_at"`
	PausedAt       *time.Time `json:"paused_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`

	// Aggregates
	EmailsSent    int `gorm:"default:0" json:"emails_sent"`
	EmailsOpened  int `gorm:"default:0" json:"emails_opened"`
	EmailsClicked int `gorm:"default:0" json:"emails_clicked"`

	// Relations
	Subscriber Subscriber `json:"-"`
	Sequence   Sequence   `json:"-"`
}
