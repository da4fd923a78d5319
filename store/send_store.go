package store

import (
	"time"

	"gorm.io/gorm"

	"driply/models"
)

// EnsureScheduledSend creates the pending row for (enrollment, step) if it
// does not exist yet. A unique-constraint violation means another scheduler
// pass won the race; the existing row is returned and the violation is NOT
// surfaced as an error. This is the idempotent "ensure" the at-most-once
// guarantee rests on.
func (s *Store) EnsureScheduledSend(send *models.ScheduledSend) (*models.ScheduledSend, bool, error) {
	err := s.DB.Create(send).Error
	if err == nil {
		return send, true, nil
	}
	if !isDuplicateKey(err) {
		return nil, false, err
	}
	existing, ferr := s.FindScheduledSend(send.EnrollmentID, send.StepOrdinal)
	if ferr != nil {
		return nil, false, ferr
	}
	return existing, false, nil
}

func (s *Store) FindScheduledSend(enrollmentID uint, stepOrdinal int) (*models.ScheduledSend, error) {
	var send models.ScheduledSend
	err := s.DB.Where("enrollment_id = ? AND step_ordinal = ?", enrollmentID, stepOrdinal).
		First(&send).Error
	if err != nil {
		return nil, err
	}
	return &send, nil
}

func (s *Store) GetScheduledSend(id uint) (*models.ScheduledSend, error) {
	var send models.ScheduledSend
	if err := s.DB.First(&send, id).Error; err != nil {
		return nil, err
	}
	return &send, nil
}

func (s *Store) FindSendByMessageID(messageID string) (*models.ScheduledSend, error) {
	var send models.ScheduledSend
	if err := s.DB.Where("message_id = ?", messageID).First(&send).Error; err != nil {
		return nil, err
	}
	return &send, nil
}

// ListDispatchableSends returns pending sends that are due and past their
// backoff gate, oldest first, capped at limit.
func (s *Store) ListDispatchableSends(now time.Time, limit int) ([]models.ScheduledSend, error) {
	var sends []models.ScheduledSend
	err := s.DB.Where("status = ? AND scheduled_for <= ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
		models.SendStatusPending, now, now).
		Order("scheduled_for ASC").Limit(limit).Find(&sends).Error
	return sends, err
}

// CountNurtureSendsSince counts non-step-0 sends delivered to the transport
// for a subscriber since the given time. Used by the daily nurture cap.
func (s *Store) CountNurtureSendsSince(subscriberID uint, since time.Time) (int64, error) {
	var n int64
	err := s.DB.Model(&models.ScheduledSend{}).
		Where("subscriber_id = ? AND step_ordinal > 0 AND status = ? AND sent_at >= ?",
			subscriberID, models.SendStatusSent, since).
		Count(&n).Error
	return n, err
}

func (s *Store) MarkSendSent(id uint, messageID string, now time.Time) error {
	return s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", id, models.SendStatusPending).
		Updates(map[string]interface{}{
			"status":        models.SendStatusSent,
			"message_id":    messageID,
			"sent_at":       now,
			"attempt_count": gorm.Expr("attempt_count + ?", 1),
			"last_error":    "",
		}).Error
}

func (s *Store) MarkSendSkipped(id uint, reason string) error {
	return s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", id, models.SendStatusPending).
		Updates(map[string]interface{}{
			"status":     models.SendStatusSkipped,
			"last_error": reason,
		}).Error
}

// MarkSendFailed puts the row into its terminal failed state, recording the
// last error for auditability.
func (s *Store) MarkSendFailed(id uint, errMsg string, countAttempt bool) error {
	updates := map[string]interface{}{
		"status":     models.SendStatusFailed,
		"last_error": errMsg,
	}
	if countAttempt {
		updates["attempt_count"] = gorm.Expr("attempt_count + ?", 1)
	}
	return s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", id, models.SendStatusPending).
		Updates(updates).Error
}

// RecordSendRetry keeps the row pending after a transient failure,
// incrementing the attempt counter and arming the backoff gate. The retry
// itself happens on a later scheduler pass, never in a busy loop.
func (s *Store) RecordSendRetry(id uint, errMsg string, nextAttemptAt time.Time) error {
	return s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", id, models.SendStatusPending).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + ?", 1),
			"last_error":      errMsg,
			"next_attempt_at": nextAttemptAt,
		}).Error
}

// DeferSend pushes a pending send past the daily-cap window without
// consuming an attempt.
func (s *Store) DeferSend(id uint, until time.Time) error {
	return s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", id, models.SendStatusPending).
		Update("next_attempt_at", until).Error
}

// Engagement timestamps. The guards on the existing value make duplicate
// webhook deliveries no-ops: only the first event writes the timestamp.

func (s *Store) RecordSendDelivered(id uint, now time.Time) (bool, error) {
	res := s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", now)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) RecordSendOpened(id uint, now time.Time) (bool, error) {
	res := s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND opened_at IS NULL", id).
		Update("opened_at", now)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) RecordSendClicked(id uint, now time.Time) (bool, error) {
	res := s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND clicked_at IS NULL", id).
		Update("clicked_at", now)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) RecordSendBounced(id uint, now time.Time) (bool, error) {
	res := s.DB.Model(&models.ScheduledSend{}).
		Where("id = ? AND bounced_at IS NULL", id).
		Update("bounced_at", now)
	return res.RowsAffected > 0, res.Error
}

// RecordProcessedSignal inserts into the signal ledger. Returns false when
// the provider event id was already processed.
func (s *Store) RecordProcessedSignal(sig *models.ProcessedSignal) (bool, error) {
	err := s.DB.Create(sig).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKey(err) {
		return false, nil
	}
	return false, err
}
