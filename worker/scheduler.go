package worker

import (
	"context"
	"log"
	"time"

	"driply/models"
	"driply/sequence"
	"driply/store"
	"driply/utils"
)

const enrollmentPageSize = 500

// Scheduler periodically walks active enrollments, materializes a scheduled
// send for every step that has come due, and hands dispatchable sends to the
// executor. A step's due time is enrolled_at plus the step's day offset; a
// pass that runs late catches up one step at a time, never two in one pass.
type Scheduler struct {
	Store    *store.Store
	Registry *sequence.Registry
	Executor *Executor
	Logger   *log.Logger

	Interval        time.Duration
	BatchSize       int
	DailyNurtureCap bool

	Now func() time.Time
}

func NewScheduler(st *store.Store, registry *sequence.Registry, executor *Executor, interval time.Duration, batchSize int, dailyCap bool) *Scheduler {
	return &Scheduler{
		Store:           st,
		Registry:        registry,
		Executor:        executor,
		Logger:          log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		Interval:        interval,
		BatchSize:       batchSize,
		DailyNurtureCap: dailyCap,
		Now:             time.Now,
	}
}

// Start runs scheduler passes until the context is cancelled. The first pass
// runs immediately so restarts pick up overdue work without waiting a tick.
func (sw *Scheduler) Start(ctx context.Context) {
	sw.Logger.Printf("Sequence scheduler started (interval %s, batch %d)", sw.Interval, sw.BatchSize)

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	sw.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Sequence scheduler stopped")
			return
		case <-ticker.C:
			sw.RunPass(ctx)
		}
	}
}

// RunPass executes one scheduling cycle: ensure due sends exist, then
// dispatch everything ready to go out.
func (sw *Scheduler) RunPass(ctx context.Context) {
	sw.ensureDueSends()

	sends := sw.collectDispatchable()
	if len(sends) == 0 {
		return
	}
	sw.Logger.Printf("Dispatching %d sends", len(sends))
	sw.Executor.DispatchBatch(ctx, sends)
}

// ensureDueSends pages through active enrollments and creates the pending
// send row for each enrollment whose current step is due. Creation is
// idempotent: the unique (enrollment, step) index means a crash between
// passes never yields a second row for the same step.
func (sw *Scheduler) ensureDueSends() {
	now := sw.Now()
	sequences := make(map[uint]*models.Sequence)

	for offset := 0; ; offset += enrollmentPageSize {
		enrollments, err := sw.Store.ListActiveEnrollments(enrollmentPageSize, offset)
		if err != nil {
			sw.Logger.Printf("Failed to list active enrollments: %v", err)
			return
		}

		for i := range enrollments {
			sw.ensureSendFor(&enrollments[i], sequences, now)
		}

		if len(enrollments) < enrollmentPageSize {
			return
		}
	}
}

func (sw *Scheduler) ensureSendFor(e *models.Enrollment, sequences map[uint]*models.Sequence, now time.Time) {
	seq, ok := sequences[e.SequenceID]
	if !ok {
		loaded, err := sw.Registry.Get(e.SequenceID)
		if err != nil {
			sw.Logger.Printf("Sequence %d not found for enrollment %d: %v", e.SequenceID, e.ID, err)
			return
		}
		seq = loaded
		sequences[e.SequenceID] = seq
	}

	step := seq.StepAt(e.CurrentStep)
	if step == nil {
		// Past the last step, or the sequence shrank underneath the
		// enrollment. Either way there is nothing left to send.
		if err := sw.Store.MarkEnrollmentCompleted(e.ID, now); err != nil {
			sw.Logger.Printf("Failed to complete enrollment %d: %v", e.ID, err)
			return
		}
		if err := sw.Store.IncrSequenceCompleted(seq.ID); err != nil {
			sw.Logger.Printf("Failed to update sequence %d completion stats: %v", seq.ID, err)
		}
		return
	}

	due := e.EnrolledAt.Add(time.Duration(step.DayOffset) * 24 * time.Hour)
	if now.Before(due) {
		return
	}

	subscriber, err := sw.Store.GetSubscriber(e.SubscriberID)
	if err != nil {
		sw.Logger.Printf("Subscriber %d not found for enrollment %d: %v", e.SubscriberID, e.ID, err)
		return
	}

	_, created, err := sw.Store.EnsureScheduledSend(&models.ScheduledSend{
		EnrollmentID:   e.ID,
		SubscriberID:   e.SubscriberID,
		SequenceID:     seq.ID,
		StepOrdinal:    step.Ordinal,
		RecipientEmail: subscriber.Email,
		TemplateName:   step.TemplateName,
		Subject:        step.Subject,
		ScheduledFor:   due,
		Status:         models.SendStatusPending,
	})
	if err != nil {
		sw.Logger.Printf("Failed to schedule step %d for enrollment %d: %v", step.Ordinal, e.ID, err)
		return
	}
	if created {
		sw.Logger.Printf("Scheduled step %d of sequence %d for subscriber %d", step.Ordinal, seq.ID, e.SubscriberID)
	}
}

// collectDispatchable loads pending sends that are due and past any retry
// backoff, then applies the daily nurture cap: at most one non-welcome email
// per subscriber per calendar day. Capped sends are deferred to the next
// day, not dropped.
func (sw *Scheduler) collectDispatchable() []models.ScheduledSend {
	now := sw.Now()
	sends, err := sw.Store.ListDispatchableSends(now, sw.BatchSize)
	if err != nil {
		sw.Logger.Printf("Failed to list dispatchable sends: %v", err)
		return nil
	}
	if !sw.DailyNurtureCap {
		return sends
	}

	dayStart := utils.StartOfDay(now)
	nextDay := utils.StartOfNextDay(now)
	claimed := make(map[uint]bool)

	out := sends[:0]
	for _, send := range sends {
		if send.StepOrdinal == 0 {
			// Welcome emails are exempt from the cap.
			out = append(out, send)
			continue
		}
		capped := claimed[send.SubscriberID]
		if !capped {
			n, err := sw.Store.CountNurtureSendsSince(send.SubscriberID, dayStart)
			if err != nil {
				sw.Logger.Printf("Failed to count sends for subscriber %d: %v", send.SubscriberID, err)
				continue
			}
			capped = n > 0
		}
		if capped {
			if err := sw.Store.DeferSend(send.ID, nextDay); err != nil {
				sw.Logger.Printf("Failed to defer send %d: %v", send.ID, err)
			}
			continue
		}
		claimed[send.SubscriberID] = true
		out = append(out, send)
	}
	return out
}
