package sequence_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driply/models"
	"driply/sequence"
)

type trackerFixture struct {
	*fixture
	tracker *sequence.Tracker
	send    *models.ScheduledSend
	sub     *models.Subscriber
	seq     *models.Sequence
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := newFixture(t)
	tracker := sequence.NewTracker(f.store, f.manager, nil, log.New(io.Discard, "", 0))
	tracker.Now = func() time.Time { return f.now }

	sub := f.subscriber(t, "gina@example.com")
	seq := f.sequence(t, "Tracked", "", 0, 3)
	e, _, err := f.manager.Enroll(sub.ID, seq.ID)
	require.NoError(t, err)

	send, _, err := f.store.EnsureScheduledSend(&models.ScheduledSend{
		EnrollmentID:   e.ID,
		StepOrdinal:    0,
		SubscriberID:   sub.ID,
		SequenceID:     seq.ID,
		RecipientEmail: sub.Email,
		TemplateName:   "welcome",
		ScheduledFor:   f.now,
		Status:         models.SendStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkSendSent(send.ID, "msg-abc", f.now))

	return &trackerFixture{fixture: f, tracker: tracker, send: send, sub: sub, seq: seq}
}

func (tf *trackerFixture) process(t *testing.T, eventType, eventID string) {
	t.Helper()
	require.NoError(t, tf.tracker.Process(context.Background(), sequence.Signal{
		EventType:       eventType,
		ProviderEventID: eventID,
		MessageID:       "msg-abc",
		OccurredAt:      tf.now,
	}))
}

func (tf *trackerFixture) counters(t *testing.T) (sub *models.Subscriber, step *models.SequenceStep) {
	t.Helper()
	sub, err := tf.store.GetSubscriber(tf.sub.ID)
	require.NoError(t, err)
	step, err = tf.store.FindStep(tf.seq.ID, 0)
	require.NoError(t, err)
	return sub, step
}

func TestTrackerClickImpliesOpenAndDelivery(t *testing.T) {
	tf := newTrackerFixture(t)

	// The click arrives before (or instead of) delivered and opened.
	tf.process(t, models.SignalClicked, "evt-click")

	sub, step := tf.counters(t)
	assert.Equal(t, 1, sub.DeliveredCount)
	assert.Equal(t, 1, sub.OpenedCount)
	assert.Equal(t, 1, sub.ClickedCount)
	assert.Equal(t, 1, step.DeliveredCount)
	assert.Equal(t, 1, step.OpenedCount)
	assert.Equal(t, 1, step.ClickedCount)

	// The late webhooks for the same message change nothing.
	tf.process(t, models.SignalDelivered, "evt-delivered")
	tf.process(t, models.SignalOpened, "evt-open")

	sub, step = tf.counters(t)
	assert.Equal(t, 1, sub.DeliveredCount)
	assert.Equal(t, 1, sub.OpenedCount)
	assert.Equal(t, 1, sub.ClickedCount)
	assert.Equal(t, 1, step.OpenedCount)
}

func TestTrackerDuplicateEventID(t *testing.T) {
	tf := newTrackerFixture(t)

	tf.process(t, models.SignalOpened, "evt-1")
	tf.process(t, models.SignalOpened, "evt-1")

	sub, _ := tf.counters(t)
	assert.Equal(t, 1, sub.OpenedCount)
}

func TestTrackerBounceSuppressesSubscriber(t *testing.T) {
	tf := newTrackerFixture(t)

	tf.process(t, models.SignalBounced, "evt-bounce")

	sub, step := tf.counters(t)
	assert.Equal(t, models.SubscriberStatusBounced, sub.Status)
	require.NotNil(t, sub.BouncedAt)
	assert.Equal(t, 1, step.BouncedCount)

	send, err := tf.store.GetScheduledSend(tf.send.ID)
	require.NoError(t, err)
	require.NotNil(t, send.BouncedAt)
}

func TestTrackerComplaintUnsubscribes(t *testing.T) {
	tf := newTrackerFixture(t)

	tf.process(t, models.SignalComplained, "evt-spam")

	sub, _ := tf.counters(t)
	assert.Equal(t, models.SubscriberStatusUnsubscribed, sub.Status)
	assert.Equal(t, "spam_complaint", sub.UnsubscribeReason)
}

func TestTrackerUnsubscribeByEmail(t *testing.T) {
	tf := newTrackerFixture(t)

	// Some providers send opt-outs without a message id.
	require.NoError(t, tf.tracker.Process(context.Background(), sequence.Signal{
		EventType:       models.SignalUnsubscribed,
		ProviderEventID: "evt-unsub",
		SubscriberEmail: tf.sub.Email,
	}))

	sub, _ := tf.counters(t)
	assert.Equal(t, models.SubscriberStatusUnsubscribed, sub.Status)
}

func TestTrackerUnknownEventType(t *testing.T) {
	tf := newTrackerFixture(t)

	err := tf.tracker.Process(context.Background(), sequence.Signal{
		EventType: "forwarded",
		MessageID: "msg-abc",
	})
	assert.Error(t, err)
}
