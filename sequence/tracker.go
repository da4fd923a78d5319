package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"driply/models"
	"driply/store"
)

// Signal is one engagement feedback event, from the provider webhook or
// from the tracking endpoints.
type Signal struct {
	EventType       string
	ProviderEventID string
	MessageID       string
	SubscriberEmail string
	URL             string
	Reason          string
	OccurredAt      time.Time
}

// Tracker consumes delivery feedback and folds it into subscriber, step and
// enrollment counters. Processing is idempotent per provider event id (the
// ledger) and per send+event type (the timestamp guards), so replayed or
// out-of-order webhooks never double-count.
type Tracker struct {
	Store   *store.Store
	Manager *Manager
	Redis   *redis.Client // optional fast-path dedupe; nil disables it
	Logger  *log.Logger

	Now func() time.Time
}

func NewTracker(st *store.Store, manager *Manager, rdb *redis.Client, logger *log.Logger) *Tracker {
	return &Tracker{
		Store:   st,
		Manager: manager,
		Redis:   rdb,
		Logger:  logger,
		Now:     time.Now,
	}
}

const signalDedupeTTL = 72 * time.Hour

// Process applies one signal. Duplicates are swallowed silently: the caller
// always gets nil for an event that was already handled.
func (t *Tracker) Process(ctx context.Context, sig Signal) error {
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = t.Now()
	}

	if sig.ProviderEventID != "" {
		if seen, err := t.alreadyProcessed(ctx, sig); err != nil {
			return err
		} else if seen {
			return nil
		}
	}

	send, err := t.resolveSend(sig)
	if err != nil {
		return err
	}

	switch sig.EventType {
	case models.SignalDelivered:
		if send == nil {
			return fmt.Errorf("delivered signal without a resolvable send (message id %q)", sig.MessageID)
		}
		return t.recordDelivered(send, sig.OccurredAt)

	case models.SignalOpened:
		if send == nil {
			return fmt.Errorf("opened signal without a resolvable send (message id %q)", sig.MessageID)
		}
		return t.recordOpened(send, sig.OccurredAt)

	case models.SignalClicked:
		if send == nil {
			return fmt.Errorf("clicked signal without a resolvable send (message id %q)", sig.MessageID)
		}
		return t.recordClicked(send, sig.OccurredAt)

	case models.SignalBounced:
		if send == nil {
			return fmt.Errorf("bounced signal without a resolvable send (message id %q)", sig.MessageID)
		}
		return t.recordBounced(send, sig.OccurredAt)

	case models.SignalComplained:
		return t.unsubscribeFor(send, sig, "spam_complaint")

	case models.SignalUnsubscribed:
		reason := sig.Reason
		if reason == "" {
			reason = "unsubscribed"
		}
		return t.unsubscribeFor(send, sig, reason)
	}

	return fmt.Errorf("unknown signal type %q", sig.EventType)
}

// alreadyProcessed consults the dedupe ledger. Redis is a fast pre-check;
// the unique constraint on the processed_signals table is the durable
// authority either way.
func (t *Tracker) alreadyProcessed(ctx context.Context, sig Signal) (bool, error) {
	if t.Redis != nil {
		key := "driply:signal:" + sig.ProviderEventID
		fresh, err := t.Redis.SetNX(ctx, key, 1, signalDedupeTTL).Result()
		if err != nil {
			t.Logger.Printf("Redis dedupe check failed for %s: %v", sig.ProviderEventID, err)
		} else if !fresh {
			return true, nil
		}
	}

	entry := &models.ProcessedSignal{
		ProviderEventID: sig.ProviderEventID,
		EventType:       sig.EventType,
		OccurredAt:      sig.OccurredAt,
	}
	created, err := t.Store.RecordProcessedSignal(entry)
	if err != nil {
		return false, err
	}
	return !created, nil
}

func (t *Tracker) resolveSend(sig Signal) (*models.ScheduledSend, error) {
	if sig.MessageID == "" {
		return nil, nil
	}
	send, err := t.Store.FindSendByMessageID(sig.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return send, err
}

func (t *Tracker) recordDelivered(send *models.ScheduledSend, at time.Time) error {
	first, err := t.Store.RecordSendDelivered(send.ID, at)
	if err != nil || !first {
		return err
	}
	if err := t.Store.RecordSubscriberDelivered(send.SubscriberID); err != nil {
		return err
	}
	t.bumpStepCounter(send, "delivered_count")
	return nil
}

func (t *Tracker) recordOpened(send *models.ScheduledSend, at time.Time) error {
	// An open implies the message was delivered, even if the delivered
	// webhook arrives late or never. Keeps opened <= delivered.
	if err := t.recordDelivered(send, at); err != nil {
		return err
	}
	first, err := t.Store.RecordSendOpened(send.ID, at)
	if err != nil || !first {
		return err
	}
	if err := t.Store.RecordSubscriberOpened(send.SubscriberID, at); err != nil {
		return err
	}
	t.bumpStepCounter(send, "opened_count")
	if err := t.Store.IncrEnrollmentCounter(send.EnrollmentID, "emails_opened"); err != nil {
		t.Logger.Printf("Failed to update enrollment %d open stats: %v", send.EnrollmentID, err)
	}
	return nil
}

func (t *Tracker) recordClicked(send *models.ScheduledSend, at time.Time) error {
	// A click implies an open. Keeps clicked <= opened.
	if err := t.recordOpened(send, at); err != nil {
		return err
	}
	first, err := t.Store.RecordSendClicked(send.ID, at)
	if err != nil || !first {
		return err
	}
	if err := t.Store.RecordSubscriberClicked(send.SubscriberID, at); err != nil {
		return err
	}
	t.bumpStepCounter(send, "clicked_count")
	if err := t.Store.IncrEnrollmentCounter(send.EnrollmentID, "emails_clicked"); err != nil {
		t.Logger.Printf("Failed to update enrollment %d click stats: %v", send.EnrollmentID, err)
	}
	return nil
}

// recordBounced marks the subscriber bounced, which suppresses all future
// sends through the executor's eligibility check. The enrollment itself is
// left alone: converting ineligibility into skipped+advance stays the
// executor's job.
func (t *Tracker) recordBounced(send *models.ScheduledSend, at time.Time) error {
	first, err := t.Store.RecordSendBounced(send.ID, at)
	if err != nil || !first {
		return err
	}
	if err := t.Store.MarkSubscriberBounced(send.SubscriberID, at); err != nil {
		return err
	}
	t.bumpStepCounter(send, "bounced_count")
	return nil
}

func (t *Tracker) unsubscribeFor(send *models.ScheduledSend, sig Signal, reason string) error {
	var subscriberID uint
	if send != nil {
		subscriberID = send.SubscriberID
	} else if sig.SubscriberEmail != "" {
		sub, err := t.Store.FindSubscriberByEmail(sig.SubscriberEmail)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		subscriberID = sub.ID
	} else {
		return fmt.Errorf("%s signal carries neither message id nor subscriber email", sig.EventType)
	}
	return t.Manager.Unsubscribe(subscriberID, reason)
}

func (t *Tracker) bumpStepCounter(send *models.ScheduledSend, column string) {
	step, err := t.Store.FindStep(send.SequenceID, send.StepOrdinal)
	if err != nil {
		t.Logger.Printf("Step %d of sequence %d not found for send %d: %v", send.StepOrdinal, send.SequenceID, send.ID, err)
		return
	}
	if err := t.Store.IncrStepCounter(step.ID, column); err != nil {
		t.Logger.Printf("Failed to bump %s on step %d: %v", column, step.ID, err)
	}
}
