package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber statuses
const (
	SubscriberStatusActive       = "active"
	SubscriberStatusUnsubscribed = "unsubscribed"
	SubscriberStatusBounced      = "bounced"
)

// Subscriber represents a captured contact with engagement aggregates.
// Counter invariant: ClickedCount <= OpenedCount <= DeliveredCount <= SentCount.
type Subscriber struct {
	gorm.Model
	Email string `gorm:"not null;uniqueIndex" json:"email"`
	Name  string `json:"name"`

	Status string `gorm:"default:'active';index" json:"status"` // active, unsubscribed, bounced
	Source string `gorm:"index" json:"source"`                  // acquisition channel (capture form, tool, quiz...)

	// Engagement counters, maintained with atomic increments only
	SentCount      int `gorm:"default:0" json:"sent_count"`
	DeliveredCount int `gorm:"default:0" json:"delivered_count"`
	OpenedCount    int `gorm:"default:0" json:"opened_count"`
	ClickedCount   int `gorm:"default:0" json:"clicked_count"`

	LastSentAt    *time.Time `json:"last_sent_at"`
	LastOpenedAt  *time.Time `json:"last_opened_at"`
	LastClickedAt *time.Time `json:"last_clicked_at"`

	UnsubscribedAt    *time.Time `json:"unsubscribed_at"`
	UnsubscribeReason string     `json:"unsubscribe_reason"`
	BouncedAt         *time.Time `json:"bounced_at"`

	// Relations
	Tags        []SubscriberTag `gorm:"foreignKey:SubscriberID" json:"tags,omitempty"`
	Enrollments []Enrollment    `gorm:"foreignKey:SubscriberID" json:"enrollments,omitempty"`
}

// SubscriberTag represents tags for subscribers (normalized)
type SubscriberTag struct {
	gorm.Model
	SubscriberID uint   `gorm:"not null;index" json:"subscriber_id"`
	Tag          string `gorm:"not null;index" json:"tag"`
}
