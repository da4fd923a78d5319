package store

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"driply/models"
)

// NormalizeEmail lowercases and trims an address so the unique index on
// subscribers.email treats case variants as the same contact.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) CreateSubscriber(sub *models.Subscriber) error {
	sub.Email = NormalizeEmail(sub.Email)
	return s.DB.Create(sub).Error
}

func (s *Store) GetSubscriber(id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.DB.Preload("Tags").First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) FindSubscriberByEmail(email string) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.DB.Where("email = ?", NormalizeEmail(email)).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) AddSubscriberTag(subscriberID uint, tag string) error {
	return s.DB.Create(&models.SubscriberTag{SubscriberID: subscriberID, Tag: tag}).Error
}

// MarkSubscriberUnsubscribed flips the opt-out switch. The transition is
// one-way: an unsubscribed or bounced contact is never reactivated here.
func (s *Store) MarkSubscriberUnsubscribed(id uint, reason string, now time.Time) error {
	return s.DB.Model(&models.Subscriber{}).
		Where("id = ? AND status = ?", id, models.SubscriberStatusActive).
		Updates(map[string]interface{}{
			"status":             models.SubscriberStatusUnsubscribed,
			"unsubscribed_at":    now,
			"unsubscribe_reason": reason,
		}).Error
}

func (s *Store) MarkSubscriberBounced(id uint, now time.Time) error {
	return s.DB.Model(&models.Subscriber{}).
		Where("id = ? AND status = ?", id, models.SubscriberStatusActive).
		Updates(map[string]interface{}{
			"status":     models.SubscriberStatusBounced,
			"bounced_at": now,
		}).Error
}

func (s *Store) RecordSubscriberSent(id uint, now time.Time) error {
	return s.DB.Model(&models.Subscriber{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"sent_count":   gorm.Expr("sent_count + ?", 1),
			"last_sent_at": now,
		}).Error
}

func (s *Store) RecordSubscriberDelivered(id uint) error {
	return s.DB.Model(&models.Subscriber{}).Where("id = ?", id).
		Update("delivered_count", gorm.Expr("delivered_count + ?", 1)).Error
}

func (s *Store) RecordSubscriberOpened(id uint, now time.Time) error {
	return s.DB.Model(&models.Subscriber{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"opened_count":   gorm.Expr("opened_count + ?", 1),
			"last_opened_at": now,
		}).Error
}

func (s *Store) RecordSubscriberClicked(id uint, now time.Time) error {
	return s.DB.Model(&models.Subscriber{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"clicked_count":   gorm.Expr("clicked_count + ?", 1),
			"last_clicked_at": now,
		}).Error
}
