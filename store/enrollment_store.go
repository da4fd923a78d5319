package store

import (
	"time"

	"gorm.io/gorm"

	"driply/models"
)

func (s *Store) CreateEnrollment(e *models.Enrollment) error {
	return s.DB.Create(e).Error
}

func (s *Store) GetEnrollment(id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.DB.First(&e, id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) FindActiveEnrollment(subscriberID, sequenceID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.DB.Where("subscriber_id = ? AND sequence_id = ? AND status = ?",
		subscriberID, sequenceID, models.EnrollmentStatusActive).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) FindEnrollment(subscriberID, sequenceID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.DB.Where("subscriber_id = ? AND sequence_id = ?", subscriberID, sequenceID).
		Order("id DESC").First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListActiveEnrollments pages through active enrollments for the scheduler
// sweep, ordered by id so passes are deterministic.
func (s *Store) ListActiveEnrollments(limit, offset int) ([]models.Enrollment, error) {
	var es []models.Enrollment
	err := s.DB.Where("status = ?", models.EnrollmentStatusActive).
		Order("id ASC").Limit(limit).Offset(offset).Find(&es).Error
	return es, err
}

func (s *Store) ListActiveEnrollmentsForSubscriber(subscriberID uint) ([]models.Enrollment, error) {
	var es []models.Enrollment
	err := s.DB.Where("subscriber_id = ? AND status = ?", subscriberID, models.EnrollmentStatusActive).
		Find(&es).Error
	return es, err
}

// AdvanceEnrollment moves current_step forward by exactly one. The guard on
// the previous value keeps the advance monotonic even if two workers raced
// on the same enrollment: only one of them matches the WHERE clause.
func (s *Store) AdvanceEnrollment(id uint, fromStep int) (bool, error) {
	res := s.DB.Model(&models.Enrollment{}).
		Where("id = ? AND current_step = ?", id, fromStep).
		Update("current_step", fromStep+1)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) MarkEnrollmentCompleted(id uint, now time.Time) error {
	return s.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCompleted,
			"completed_at": now,
		}).Error
}

func (s *Store) MarkEnrollmentUnsubscribed(id uint, now time.Time) error {
	return s.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", id, []string{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
		Updates(map[string]interface{}{
			"status":          models.EnrollmentStatusUnsubscribed,
			"unsubscribed_at": now,
		}).Error
}

func (s *Store) MarkEnrollmentPaused(id uint, now time.Time) error {
	return s.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusActive).
		Updates(map[string]interface{}{
			"status":    models.EnrollmentStatusPaused,
			"paused_at": now,
		}).Error
}

func (s *Store) MarkEnrollmentResumed(id uint) error {
	return s.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentStatusPaused).
		Updates(map[string]interface{}{
			"status":    models.EnrollmentStatusActive,
			"paused_at": nil,
		}).Error
}

func (s *Store) IncrEnrollmentCounter(id uint, column string) error {
	return s.DB.Model(&models.Enrollment{}).Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", 1)).Error
}
