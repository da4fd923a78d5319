package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"driply/models"
	"driply/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every query on the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Subscriber{},
		&models.SubscriberTag{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.ScheduledSend{},
		&models.ProcessedSignal{},
	))
	return store.New(db)
}

func seedSubscriber(t *testing.T, st *store.Store, email string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{Email: email, Status: models.SubscriberStatusActive}
	require.NoError(t, st.CreateSubscriber(sub))
	return sub
}

func seedEnrollment(t *testing.T, st *store.Store, subscriberID, sequenceID uint, enrolledAt time.Time) *models.Enrollment {
	t.Helper()
	e := &models.Enrollment{
		SubscriberID: subscriberID,
		SequenceID:   sequenceID,
		Status:       models.EnrollmentStatusActive,
		EnrolledAt:   enrolledAt,
	}
	require.NoError(t, st.CreateEnrollment(e))
	return e
}

func pendingSend(enrollmentID, subscriberID uint, ordinal int, scheduledFor time.Time) *models.ScheduledSend {
	return &models.ScheduledSend{
		EnrollmentID:   enrollmentID,
		StepOrdinal:    ordinal,
		SubscriberID:   subscriberID,
		SequenceID:     1,
		RecipientEmail: "someone@example.com",
		TemplateName:   "welcome",
		ScheduledFor:   scheduledFor,
		Status:         models.SendStatusPending,
	}
}

func TestEnsureScheduledSend(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	sub := seedSubscriber(t, st, "a@example.com")
	e := seedEnrollment(t, st, sub.ID, 1, now)

	t.Run("creates once per enrollment and step", func(t *testing.T) {
		first, created, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 0, now))
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 0, now))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("different step gets its own row", func(t *testing.T) {
		other, created, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 1, now))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotZero(t, other.ID)
	})
}

func TestListDispatchableSends(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	sub := seedSubscriber(t, st, "b@example.com")
	e := seedEnrollment(t, st, sub.ID, 1, now)

	due, _, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 0, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, _, err = st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 1, now.Add(time.Hour)))
	require.NoError(t, err)

	sends, err := st.ListDispatchableSends(now, 10)
	require.NoError(t, err)
	require.Len(t, sends, 1)
	assert.Equal(t, due.ID, sends[0].ID)

	t.Run("backoff gate excludes retries not yet due", func(t *testing.T) {
		require.NoError(t, st.RecordSendRetry(due.ID, "451 try later", now.Add(30*time.Minute)))

		sends, err := st.ListDispatchableSends(now, 10)
		require.NoError(t, err)
		assert.Empty(t, sends)

		sends, err = st.ListDispatchableSends(now.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, sends, 1)
		assert.Equal(t, 1, sends[0].AttemptCount)
	})

	t.Run("sent rows never come back", func(t *testing.T) {
		require.NoError(t, st.MarkSendSent(due.ID, "msg-1", now))
		sends, err := st.ListDispatchableSends(now.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, sends)
	})
}

func TestEngagementTimestampGuards(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	sub := seedSubscriber(t, st, "c@example.com")
	e := seedEnrollment(t, st, sub.ID, 1, now)

	send, _, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 0, now))
	require.NoError(t, err)
	require.NoError(t, st.MarkSendSent(send.ID, "msg-2", now))

	first, err := st.RecordSendOpened(send.ID, now)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := st.RecordSendOpened(send.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again, "second open must not count")

	reloaded, err := st.GetScheduledSend(send.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.OpenedAt)
	assert.WithinDuration(t, now, *reloaded.OpenedAt, time.Second)
}

func TestSubscriberStatusOneWay(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	sub := seedSubscriber(t, st, "d@example.com")

	require.NoError(t, st.MarkSubscriberUnsubscribed(sub.ID, "manual", now))

	// A later bounce must not overwrite the opt-out.
	require.NoError(t, st.MarkSubscriberBounced(sub.ID, now.Add(time.Hour)))

	reloaded, err := st.GetSubscriber(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusUnsubscribed, reloaded.Status)
	assert.Equal(t, "manual", reloaded.UnsubscribeReason)
}

func TestAdvanceEnrollmentGuard(t *testing.T) {
	st := newTestStore(t)
	sub := seedSubscriber(t, st, "e@example.com")
	e := seedEnrollment(t, st, sub.ID, 1, time.Now())

	advanced, err := st.AdvanceEnrollment(e.ID, 0)
	require.NoError(t, err)
	assert.True(t, advanced)

	// A second caller still holding the old step loses the race.
	advanced, err = st.AdvanceEnrollment(e.ID, 0)
	require.NoError(t, err)
	assert.False(t, advanced)

	reloaded, err := st.GetEnrollment(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.CurrentStep)
}

func TestCountNurtureSendsSince(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	sub := seedSubscriber(t, st, "f@example.com")
	e := seedEnrollment(t, st, sub.ID, 1, now.Add(-72*time.Hour))

	welcome, _, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 0, now))
	require.NoError(t, err)
	require.NoError(t, st.MarkSendSent(welcome.ID, "msg-3", now))

	// Step 0 is a welcome email and never counts against the cap.
	n, err := st.CountNurtureSendsSince(sub.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	nurture, _, err := st.EnsureScheduledSend(pendingSend(e.ID, sub.ID, 1, now))
	require.NoError(t, err)
	require.NoError(t, st.MarkSendSent(nurture.ID, "msg-4", now))

	n, err = st.CountNurtureSendsSince(sub.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = st.CountNurtureSendsSince(sub.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordProcessedSignal(t *testing.T) {
	st := newTestStore(t)

	created, err := st.RecordProcessedSignal(&models.ProcessedSignal{
		ProviderEventID: "evt-1",
		EventType:       models.SignalOpened,
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.RecordProcessedSignal(&models.ProcessedSignal{
		ProviderEventID: "evt-1",
		EventType:       models.SignalOpened,
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, created, "replayed event id must be rejected by the ledger")
}
