package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"driply/models"
	"driply/sequence"
	"driply/store"
	"driply/utils"
)

// DeliveryResult is the terminal outcome of a single dispatch attempt.
type DeliveryResult string

const (
	ResultSent    DeliveryResult = "sent"
	ResultSkipped DeliveryResult = "skipped"
	ResultRetry   DeliveryResult = "retry"
	ResultFailed  DeliveryResult = "failed"
)

// Executor delivers scheduled sends through the configured transport.
// Each send is attempted at most MaxAttempts times; transient transport
// errors push the row back with an exponential next_attempt_at, permanent
// errors fail it immediately and bounce the subscriber.
type Executor struct {
	Store     *store.Store
	Manager   *sequence.Manager
	Transport utils.Transport
	Logger    *log.Logger

	MaxAttempts int
	Concurrency int
	Timeout     time.Duration
	BackoffBase time.Duration

	Now func() time.Time
}

func NewExecutor(st *store.Store, mgr *sequence.Manager, transport utils.Transport, maxAttempts, concurrency int, timeout, backoffBase time.Duration) *Executor {
	return &Executor{
		Store:       st,
		Manager:     mgr,
		Transport:   transport,
		Logger:      log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		MaxAttempts: maxAttempts,
		Concurrency: concurrency,
		Timeout:     timeout,
		BackoffBase: backoffBase,
		Now:         time.Now,
	}
}

// DispatchBatch delivers the given sends with bounded concurrency and
// blocks until every worker has finished.
func (ex *Executor) DispatchBatch(ctx context.Context, sends []models.ScheduledSend) {
	if len(sends) == 0 {
		return
	}

	sem := make(chan struct{}, ex.Concurrency)
	var wg sync.WaitGroup

	for i := range sends {
		send := sends[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := ex.Dispatch(ctx, send.ID); err != nil {
				ex.Logger.Printf("Failed to dispatch send %d: %v", send.ID, err)
			}
		}()
	}

	wg.Wait()
}

// Dispatch delivers a single scheduled send. It reloads the row first so a
// send already handled by a concurrent worker is not attempted twice.
func (ex *Executor) Dispatch(ctx context.Context, sendID uint) (DeliveryResult, error) {
	send, err := ex.Store.GetScheduledSend(sendID)
	if err != nil {
		return "", fmt.Errorf("failed to load send: %w", err)
	}
	if send.Status != models.SendStatusPending {
		return DeliveryResult(send.Status), nil
	}

	enrollment, err := ex.Store.GetEnrollment(send.EnrollmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load enrollment %d: %w", send.EnrollmentID, err)
	}
	subscriber, err := ex.Store.GetSubscriber(send.SubscriberID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscriber %d: %w", send.SubscriberID, err)
	}

	// Eligibility is re-checked here, not just at scheduling time: a
	// subscriber can unsubscribe or bounce between the two.
	if reason := ineligibleReason(subscriber, enrollment); reason != "" {
		if err := ex.Store.MarkSendSkipped(send.ID, reason); err != nil {
			return "", err
		}
		ex.advance(send)
		ex.Logger.Printf("Skipped send %d for subscriber %d: %s", send.ID, send.SubscriberID, reason)
		return ResultSkipped, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, ex.Timeout)
	defer cancel()

	messageID, sendErr := ex.Transport.Send(sendCtx, utils.SendRequest{
		To:       send.RecipientEmail,
		ToName:   subscriber.Name,
		Subject:  send.Subject,
		Template: send.TemplateName,
	})

	now := ex.Now()
	if sendErr == nil {
		return ex.recordSuccess(send, messageID, now)
	}
	if utils.IsPermanent(sendErr) {
		return ex.recordPermanentFailure(send, sendErr, now)
	}
	return ex.recordTransientFailure(send, sendErr, now)
}

func (ex *Executor) recordSuccess(send *models.ScheduledSend, messageID string, now time.Time) (DeliveryResult, error) {
	if err := ex.Store.MarkSendSent(send.ID, messageID, now); err != nil {
		return "", fmt.Errorf("failed to mark send %d sent: %w", send.ID, err)
	}
	if err := ex.Store.RecordSubscriberSent(send.SubscriberID, now); err != nil {
		ex.Logger.Printf("Failed to update subscriber %d send stats: %v", send.SubscriberID, err)
	}
	if err := ex.Store.IncrEnrollmentCounter(send.EnrollmentID, "emails_sent"); err != nil {
		ex.Logger.Printf("Failed to update enrollment %d send stats: %v", send.EnrollmentID, err)
	}
	if step, err := ex.Store.FindStep(send.SequenceID, send.StepOrdinal); err == nil {
		if err := ex.Store.IncrStepCounter(step.ID, "sent_count"); err != nil {
			ex.Logger.Printf("Failed to update step %d send stats: %v", step.ID, err)
		}
	}
	ex.advance(send)

	logrus.WithFields(logrus.Fields{
		"send_id":    send.ID,
		"message_id": messageID,
		"recipient":  send.RecipientEmail,
		"step":       send.StepOrdinal,
	}).Info("Sequence email sent")
	return ResultSent, nil
}

func (ex *Executor) recordPermanentFailure(send *models.ScheduledSend, sendErr error, now time.Time) (DeliveryResult, error) {
	ex.reportFailure(send, sendErr, false)
	if err := ex.Store.MarkSendFailed(send.ID, sendErr.Error(), true); err != nil {
		return "", err
	}
	if err := ex.Store.MarkSubscriberBounced(send.SubscriberID, now); err != nil {
		ex.Logger.Printf("Failed to mark subscriber %d bounced: %v", send.SubscriberID, err)
	}
	if step, err := ex.Store.FindStep(send.SequenceID, send.StepOrdinal); err == nil {
		if err := ex.Store.IncrStepCounter(step.ID, "bounced_count"); err != nil {
			ex.Logger.Printf("Failed to update step %d bounce stats: %v", step.ID, err)
		}
	}
	ex.advance(send)
	return ResultFailed, nil
}

func (ex *Executor) recordTransientFailure(send *models.ScheduledSend, sendErr error, now time.Time) (DeliveryResult, error) {
	attempts := send.AttemptCount + 1
	if attempts >= ex.MaxAttempts {
		ex.reportFailure(send, sendErr, true)
		if err := ex.Store.MarkSendFailed(send.ID, sendErr.Error(), true); err != nil {
			return "", err
		}
		ex.advance(send)
		return ResultFailed, nil
	}

	nextAttempt := now.Add(ex.backoff(attempts))
	if err := ex.Store.RecordSendRetry(send.ID, sendErr.Error(), nextAttempt); err != nil {
		return "", err
	}
	ex.Logger.Printf("Send %d attempt %d/%d failed, retrying at %s: %v",
		send.ID, attempts, ex.MaxAttempts, nextAttempt.Format(time.RFC3339), sendErr)
	return ResultRetry, nil
}

// advance moves the enrollment past the step this send belongs to. The
// guarded update inside the manager makes this a no-op when another worker
// already advanced it.
func (ex *Executor) advance(send *models.ScheduledSend) {
	if _, err := ex.Manager.Advance(send.EnrollmentID); err != nil {
		ex.Logger.Printf("Failed to advance enrollment %d: %v", send.EnrollmentID, err)
	}
}

func (ex *Executor) backoff(attempt int) time.Duration {
	return ex.BackoffBase * time.Duration(1<<uint(attempt-1))
}

func (ex *Executor) reportFailure(send *models.ScheduledSend, sendErr error, exhausted bool) {
	logrus.WithFields(logrus.Fields{
		"send_id":   send.ID,
		"recipient": send.RecipientEmail,
		"step":      send.StepOrdinal,
		"attempts":  send.AttemptCount + 1,
		"exhausted": exhausted,
	}).WithError(sendErr).Error("Sequence email delivery failed")
	sentry.CaptureException(sendErr)
}

func ineligibleReason(subscriber *models.Subscriber, enrollment *models.Enrollment) string {
	if subscriber.Status != models.SubscriberStatusActive {
		return "subscriber " + subscriber.Status
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return "enrollment " + enrollment.Status
	}
	return ""
}
