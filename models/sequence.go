package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Sequence represents an automated, linear drip sequence of day-offset steps.
// Definitions are authored by admins and read-only to the engine at runtime;
// edits never retroactively move already-dispatched sends.
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// TargetSource matches the acquisition channel that triggers enrollment.
	// Empty means the sequence applies to every source.
	TargetSource string `gorm:"index" json:"target_source"`
	IsActive     bool   `gorm:"default:true;index" json:"is_active"`

	// Aggregates (denormalized, atomic increments only)
	EnrolledCount  int `gorm:"default:0" json:"enrolled_count"`
	ActiveCount    int `gorm:"default:0" json:"active_count"`
	CompletedCount int `gorm:"default:0" json:"completed_count"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one step in a sequence. A step becomes due
// DayOffset days after the enrollment was created.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Ordinal      int    `gorm:"not null" json:"ordinal"`
	TemplateName string `gorm:"not null" json:"template_name"`
	Subject      string `json:"subject"`
	DayOffset    int    `gorm:"not null" json:"day_offset"`

	// Tracking
	SentCount      int `gorm:"default:0" json:"sent_count"`
	DeliveredCount int `gorm:"default:0" json:"delivered_count"`
	OpenedCount    int `gorm:"default:0" json:"opened_count"`
	ClickedCount   int `gorm:"default:0" json:"clicked_count"`
	BouncedCount   int `gorm:"default:0" json:"bounced_count"`
}

// ValidateSteps enforces the definition invariants: ordinals contiguous from
// zero, day offsets non-negative and strictly increasing.
func (s *Sequence) ValidateSteps() error {
	lastOffset := -1
	for i, step := range s.Steps {
		if step.Ordinal != i {
			return fmt.Errorf("step ordinals must be contiguous starting at 0, got %d at position %d", step.Ordinal, i)
		}
		if step.DayOffset < 0 {
			return fmt.Errorf("step %d: day offset must be non-negative", step.Ordinal)
		}
		if step.DayOffset <= lastOffset {
			return fmt.Errorf("step %d: day offset %d must be greater than previous offset %d", step.Ordinal, step.DayOffset, lastOffset)
		}
		lastOffset = step.DayOffset
	}
	return nil
}

// StepAt returns the step with the given ordinal, or nil if the ordinal is
// past the end of the sequence.
func (s *Sequence) StepAt(ordinal int) *SequenceStep {
	for i := range s.Steps {
		if s.Steps[i].Ordinal == ordinal {
			return &s.Steps[i]
		}
	}
	return nil
}

// LastOrdinal returns the highest step ordinal, or -1 for an empty sequence.
func (s *Sequence) LastOrdinal() int {
	last := -1
	for _, step := range s.Steps {
		if step.Ordinal > last {
			last = step.Ordinal
		}
	}
	return last
}
