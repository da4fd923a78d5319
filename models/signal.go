package models

import (
	"time"

	"gorm.io/gorm"
)

// Engagement signal types, as delivered by the transport provider webhook.
const (
	SignalDelivered    = "delivered"
	SignalOpened       = "opened"
	SignalClicked      = "clicked"
	SignalBounced      = "bounced"
	SignalComplained   = "complained"
	SignalUnsubscribed = "unsubscribed"
)

// ProcessedSignal is the durable dedupe ledger for engagement webhooks.
// The unique index on provider_event_id makes replayed webhooks no-ops.
type ProcessedSignal struct {
	gorm.Model
	ProviderEventID string `gorm:"not null;uniqueIndex" json:"provider_event_id"`
	EventType       string `gorm:"not null" json:"event_type"`

	ScheduledSendID *uint     `gorm:"index" json:"scheduled_send_id,omitempty"`
	SubscriberID    *uint     `gorm:"index" json:"subscriber_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
