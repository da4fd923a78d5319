package sequence

import (
	"errors"
	"fmt"
	"log"
	"time"

	"driply/models"
	"driply/store"
)

var (
	ErrSubscriberInactive = errors.New("subscriber is not active")
	ErrEnrollmentNotActive = errors.New("enrollment is not active")
	ErrEnrollmentNotPaused = errors.New("enrollment is not paused")
)

// Manager owns the enrollment state machine: it is the only component that
// creates enrollments and moves them between active, paused, completed and
// unsubscribed.
type Manager struct {
	Store    *store.Store
	Registry *Registry
	Logger   *log.Logger

	// Now is injectable so tests can simulate elapsed time.
	Now func() time.Time
}

func NewManager(st *store.Store, registry *Registry, logger *log.Logger) *Manager {
	return &Manager{
		Store:    st,
		Registry: registry,
		Logger:   logger,
		Now:      time.Now,
	}
}

// Enroll binds a subscriber to a sequence. Idempotent: when an active
// enrollment already exists for the pair the existing record is returned
// unchanged and created is false.
func (m *Manager) Enroll(subscriberID, sequenceID uint) (*models.Enrollment, bool, error) {
	sub, err := m.Store.GetSubscriber(subscriberID)
	if err != nil {
		return nil, false, err
	}
	if sub.Status != models.SubscriberStatusActive {
		return nil, false, ErrSubscriberInactive
	}

	if existing, err := m.Store.FindActiveEnrollment(subscriberID, sequenceID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	enrollment := &models.Enrollment{
		SubscriberID: subscriberID,
		SequenceID:   sequenceID,
		Status:       models.EnrollmentStatusActive,
		CurrentStep:  0,
		EnrolledAt:   m.Now(),
	}
	if err := m.Store.CreateEnrollment(enrollment); err != nil {
		return nil, false, err
	}
	if err := m.Store.IncrSequenceEnrolled(sequenceID); err != nil {
		m.Logger.Printf("Failed to update sequence %d enrollment stats: %v", sequenceID, err)
	}
	return enrollment, true, nil
}

// EnrollFromSource enrolls a subscriber in every active sequence whose
// target source filter matches. Returns the enrollments actually created.
func (m *Manager) EnrollFromSource(subscriberID uint, source string) ([]models.Enrollment, error) {
	sequences, err := m.Registry.ListActiveSequencesFor(source)
	if err != nil {
		return nil, err
	}

	var created []models.Enrollment
	for _, seq := range sequences {
		enrollment, isNew, err := m.Enroll(subscriberID, seq.ID)
		if err != nil {
			if errors.Is(err, ErrSubscriberInactive) {
				return created, err
			}
			m.Logger.Printf("Failed to enroll subscriber %d in sequence %d: %v", subscriberID, seq.ID, err)
			continue
		}
		if isNew {
			created = append(created, *enrollment)
		}
	}
	return created, nil
}

// Advance moves current_step forward by one. When the new value passes the
// last ordinal the enrollment is completed. Safe to call from concurrent
// workers: the guarded update means only one caller advances a given step.
func (m *Manager) Advance(enrollmentID uint) (*models.Enrollment, error) {
	enrollment, err := m.Store.GetEnrollment(enrollmentID)
	if err != nil {
		return nil, err
	}

	advanced, err := m.Store.AdvanceEnrollment(enrollmentID, enrollment.CurrentStep)
	if err != nil {
		return nil, err
	}
	if !advanced {
		// Lost the race to another worker; the reload below reflects
		// whatever they did.
		return m.Store.GetEnrollment(enrollmentID)
	}

	enrollment, err = m.Store.GetEnrollment(enrollmentID)
	if err != nil {
		return nil, err
	}

	seq, err := m.Registry.Get(enrollment.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("sequence %d not found for enrollment %d: %w", enrollment.SequenceID, enrollmentID, err)
	}
	if enrollment.CurrentStep > seq.LastOrdinal() && enrollment.Status == models.EnrollmentStatusActive {
		now := m.Now()
		if err := m.Store.MarkEnrollmentCompleted(enrollmentID, now); err != nil {
			return nil, err
		}
		if err := m.Store.IncrSequenceCompleted(seq.ID); err != nil {
			m.Logger.Printf("Failed to update sequence %d completion stats: %v", seq.ID, err)
		}
		enrollment.Status = models.EnrollmentStatusCompleted
		enrollment.CompletedAt = &now
	}
	return enrollment, nil
}

// Unsubscribe applies an opt-out: the subscriber is flagged and every active
// enrollment for them is transitioned to unsubscribed, regardless of
// sequence. This is the single side effect of an opt-out signal; it commits
// before the next scheduler pass can observe the enrollments.
func (m *Manager) Unsubscribe(subscriberID uint, reason string) error {
	now := m.Now()
	if err := m.Store.MarkSubscriberUnsubscribed(subscriberID, reason, now); err != nil {
		return err
	}

	enrollments, err := m.Store.ListActiveEnrollmentsForSubscriber(subscriberID)
	if err != nil {
		return err
	}
	for _, e := range enrollments {
		if err := m.Store.MarkEnrollmentUnsubscribed(e.ID, now); err != nil {
			return err
		}
		if err := m.Store.DecrSequenceActive(e.SequenceID); err != nil {
			m.Logger.Printf("Failed to update sequence %d active stats: %v", e.SequenceID, err)
		}
	}
	return nil
}

// Pause takes an enrollment off the scheduler's radar. Pending sends are
// not cancelled; the executor's eligibility check is what stops them.
func (m *Manager) Pause(enrollmentID uint) error {
	enrollment, err := m.Store.GetEnrollment(enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return ErrEnrollmentNotActive
	}
	return m.Store.MarkEnrollmentPaused(enrollmentID, m.Now())
}

// Resume reactivates a paused enrollment. Scheduling resumes from
// current_step with the original enrolled_at anchor, so overdue steps catch
// up one per scheduler pass instead of bursting.
func (m *Manager) Resume(enrollmentID uint) error {
	enrollment, err := m.Store.GetEnrollment(enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentStatusPaused {
		return ErrEnrollmentNotPaused
	}
	return m.Store.MarkEnrollmentResumed(enrollmentID)
}
