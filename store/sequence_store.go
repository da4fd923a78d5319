package store

import (
	"gorm.io/gorm"

	"driply/models"
)

func (s *Store) CreateSequence(seq *models.Sequence) error {
	return s.DB.Create(seq).Error
}

func (s *Store) GetSequence(id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal ASC")
	}).First(&seq, id).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *Store) ListSequences() ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal ASC")
	}).Order("id ASC").Find(&seqs).Error
	return seqs, err
}

// ListActiveSequencesForSource returns every active sequence whose target
// source matches the given tag. A sequence with an empty target applies to
// all sources. An empty result is a normal outcome, not an error.
func (s *Store) ListActiveSequencesForSource(source string) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal ASC")
	}).
		Where("is_active = ? AND (target_source = ? OR target_source = '')", true, source).
		Order("id ASC").
		Find(&seqs).Error
	return seqs, err
}

func (s *Store) IncrSequenceEnrolled(id uint) error {
	return s.DB.Model(&models.Sequence{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"enrolled_count": gorm.Expr("enrolled_count + ?", 1),
			"active_count":   gorm.Expr("active_count + ?", 1),
		}).Error
}

func (s *Store) IncrSequenceCompleted(id uint) error {
	return s.DB.Model(&models.Sequence{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + ?", 1),
			"active_count":    gorm.Expr("active_count - ?", 1),
		}).Error
}

func (s *Store) DecrSequenceActive(id uint) error {
	return s.DB.Model(&models.Sequence{}).Where("id = ?", id).
		Update("active_count", gorm.Expr("active_count - ?", 1)).Error
}

// IncrStepCounter bumps one of the per-step tracking counters. The column
// name is always a compile-time constant at call sites.
func (s *Store) IncrStepCounter(stepID uint, column string) error {
	return s.DB.Model(&models.SequenceStep{}).Where("id = ?", stepID).
		Update(column, gorm.Expr(column+" + ?", 1)).Error
}

// FindStep resolves a (sequence, ordinal) pair to its step row.
func (s *Store) FindStep(sequenceID uint, ordinal int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := s.DB.Where("sequence_id = ? AND ordinal = ?", sequenceID, ordinal).First(&step).Error
	if err != nil {
		return nil, err
	}
	return &step, nil
}
