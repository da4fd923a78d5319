package controller_test

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"driply/config"
	"driply/models"
	"driply/routes"
	"driply/sequence"
	"driply/store"
	"driply/utils"
)

type apiFixture struct {
	app     *fiber.App
	store   *store.Store
	manager *sequence.Manager
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
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

	st := store.New(db)
	registry := sequence.NewRegistry(st)
	manager := sequence.NewManager(st, registry, log.New(io.Discard, "", 0))
	tracker := sequence.NewTracker(st, manager, nil, log.New(io.Discard, "", 0))

	cfg := &config.Config{
		AdminAPIToken: "test-admin-token",
		WebhookSecret: "test-webhook-secret",
	}

	app := fiber.New()
	routes.SetupRoutes(app, cfg, st, registry, manager, tracker)

	return &apiFixture{app: app, store: st, manager: manager}
}

func (f *apiFixture) request(t *testing.T, method, path, body string, authed bool) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer test-admin-token")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) seedSequence(t *testing.T, targetSource string) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{
		Name:         "Welcome flow",
		TargetSource: targetSource,
		IsActive:     true,
		Steps: []models.SequenceStep{
			{Ordinal: 0, TemplateName: "welcome", Subject: "Welcome", DayOffset: 0},
			{Ordinal: 1, TemplateName: "tips", Subject: "Tips", DayOffset: 3},
		},
	}
	require.NoError(t, f.store.CreateSequence(seq))
	return seq
}

func TestAdminAPIRequiresBearerToken(t *testing.T) {
	f := newAPI(t)

	resp := f.request(t, "GET", "/api/v1/sequences", "", false)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/v1/sequences", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCaptureSubscriber(t *testing.T) {
	f := newAPI(t)
	f.seedSequence(t, "quiz")

	body := `{"email":"Ana@Example.com","name":"Ana","source":"quiz","tags":["beta"]}`

	resp := f.request(t, "POST", "/api/v1/subscribers", body, true)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	sub, err := f.store.FindSubscriberByEmail("ana@example.com")
	require.NoError(t, err, "email must be stored normalized")
	assert.Equal(t, models.SubscriberStatusActive, sub.Status)

	enrollments, err := f.store.ListActiveEnrollmentsForSubscriber(sub.ID)
	require.NoError(t, err)
	require.Len(t, enrollments, 1, "capture auto-enrolls into the matching sequence")

	t.Run("second capture is idempotent", func(t *testing.T) {
		resp := f.request(t, "POST", "/api/v1/subscribers", body, true)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		enrollments, err := f.store.ListActiveEnrollmentsForSubscriber(sub.ID)
		require.NoError(t, err)
		assert.Len(t, enrollments, 1)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		resp := f.request(t, "POST", "/api/v1/subscribers", `{"email":"not-an-email"}`, true)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateSequenceValidation(t *testing.T) {
	f := newAPI(t)

	valid := `{"name":"Onboarding","steps":[
		{"ordinal":0,"template_name":"welcome","subject":"Hi","day_offset":0},
		{"ordinal":1,"template_name":"tips","subject":"Tips","day_offset":3}]}`
	resp := f.request(t, "POST", "/api/v1/sequences", valid, true)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	broken := `{"name":"Broken","steps":[
		{"ordinal":0,"template_name":"welcome","subject":"Hi","day_offset":5},
		{"ordinal":1,"template_name":"tips","subject":"Tips","day_offset":2}]}`
	resp = f.request(t, "POST", "/api/v1/sequences", broken, true)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	empty := `{"name":"Empty","steps":[]}`
	resp = f.request(t, "POST", "/api/v1/sequences", empty, true)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookIngestion(t *testing.T) {
	f := newAPI(t)
	seq := f.seedSequence(t, "")
	sub := &models.Subscriber{Email: "ben@example.com", Status: models.SubscriberStatusActive}
	require.NoError(t, f.store.CreateSubscriber(sub))
	e, _, err := f.manager.Enroll(sub.ID, seq.ID)
	require.NoError(t, err)

	send, _, err := f.store.EnsureScheduledSend(&models.ScheduledSend{
		EnrollmentID:   e.ID,
		StepOrdinal:    0,
		SubscriberID:   sub.ID,
		SequenceID:     seq.ID,
		RecipientEmail: sub.Email,
		TemplateName:   "welcome",
		ScheduledFor:   time.Now(),
		Status:         models.SendStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkSendSent(send.ID, "msg-xyz", time.Now()))

	t.Run("rejects wrong secret", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(`[]`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Secret", "nope")
		resp, err := f.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("processes a batch", func(t *testing.T) {
		payload := `[
			{"event_id":"evt-1","event":"delivered","message_id":"msg-xyz"},
			{"event_id":"evt-2","event":"open","message_id":"msg-xyz"},
			{"event_id":"evt-3","event":"forwarded","message_id":"msg-xyz"}]`
		req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Secret", "test-webhook-secret")
		resp, err := f.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		data := body["data"].(map[string]interface{})
		assert.EqualValues(t, 2, data["processed"])
		assert.EqualValues(t, 1, data["skipped"])

		reloaded, err := f.store.GetSubscriber(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.DeliveredCount)
		assert.Equal(t, 1, reloaded.OpenedCount)
	})
}

func TestTrackingEndpoints(t *testing.T) {
	f := newAPI(t)
	seq := f.seedSequence(t, "")
	sub := &models.Subscriber{Email: "cara@example.com", Status: models.SubscriberStatusActive}
	require.NoError(t, f.store.CreateSubscriber(sub))
	e, _, err := f.manager.Enroll(sub.ID, seq.ID)
	require.NoError(t, err)

	send, _, err := f.store.EnsureScheduledSend(&models.ScheduledSend{
		EnrollmentID:   e.ID,
		StepOrdinal:    0,
		SubscriberID:   sub.ID,
		SequenceID:     seq.ID,
		RecipientEmail: sub.Email,
		TemplateName:   "welcome",
		ScheduledFor:   time.Now(),
		Status:         models.SendStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkSendSent(send.ID, "msg-track", time.Now()))

	token := utils.GenerateTrackingToken("msg-track")

	t.Run("pixel rejects a forged token", func(t *testing.T) {
		resp := f.request(t, "GET", "/track/open/msg-track/forged-token-value--", "", false)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("pixel records the open", func(t *testing.T) {
		resp := f.request(t, "GET", "/track/open/msg-track/"+token, "", false)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

		reloaded, err := f.store.GetSubscriber(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.OpenedCount)
	})

	t.Run("click redirects and records", func(t *testing.T) {
		resp := f.request(t, "GET", "/track/click/msg-track/"+token+"?url=https%3A%2F%2Fexample.com", "", false)
		assert.Equal(t, fiber.StatusFound, resp.StatusCode)
		assert.Equal(t, "https://example.com", resp.Header.Get("Location"))

		reloaded, err := f.store.GetSubscriber(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.ClickedCount)
	})

	t.Run("unsubscribe link opts the subscriber out", func(t *testing.T) {
		resp := f.request(t, "GET", "/track/unsubscribe/msg-track/"+token, "", false)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		reloaded, err := f.store.GetSubscriber(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriberStatusUnsubscribed, reloaded.Status)
	})
}
