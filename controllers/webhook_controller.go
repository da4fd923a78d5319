package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"driply/models"
	"driply/sequence"
	"driply/utils"
)

type WebhookController struct {
	Tracker *sequence.Tracker
	Logger  *log.Logger
}

func NewWebhookController(tracker *sequence.Tracker, logger *log.Logger) *WebhookController {
	return &WebhookController{
		Tracker: tracker,
		Logger:  logger,
	}
}

// providerEvent is the shape the email provider posts. Batches arrive as a
// JSON array; a single event as a bare object.
type providerEvent struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
	Email     string `json:"email"`
	URL       string `json:"url"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// HandleEmailEvents ingests provider engagement events. Each event is
// processed independently; a malformed or unresolvable event is logged and
// skipped so one bad entry never blocks the rest of the batch. The provider
// retries on non-2xx, and processing is idempotent, so replays are safe.
func (wc *WebhookController) HandleEmailEvents(c *fiber.Ctx) error {
	var events []providerEvent
	if err := c.BodyParser(&events); err != nil {
		var single providerEvent
		if err := c.BodyParser(&single); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", err)
		}
		events = []providerEvent{single}
	}

	processed := 0
	skipped := 0
	for _, event := range events {
		sig, ok := wc.toSignal(event)
		if !ok {
			skipped++
			continue
		}
		if err := wc.Tracker.Process(c.Context(), sig); err != nil {
			logrus.WithFields(logrus.Fields{
				"event":      event.Event,
				"event_id":   event.EventID,
				"message_id": event.MessageID,
			}).WithError(err).Warn("Failed to process engagement event")
			skipped++
			continue
		}
		processed++
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"processed": processed,
		"skipped":   skipped,
	}))
}

func (wc *WebhookController) toSignal(event providerEvent) (sequence.Signal, bool) {
	eventType, ok := normalizeEventType(event.Event)
	if !ok {
		wc.Logger.Printf("Ignoring unknown event type %q (event id %s)", event.Event, event.EventID)
		return sequence.Signal{}, false
	}

	var occurredAt time.Time
	if event.Timestamp > 0 {
		occurredAt = time.Unix(event.Timestamp, 0)
	}

	return sequence.Signal{
		EventType:       eventType,
		ProviderEventID: event.EventID,
		MessageID:       event.MessageID,
		SubscriberEmail: event.Email,
		URL:             event.URL,
		Reason:          event.Reason,
		OccurredAt:      occurredAt,
	}, true
}

// normalizeEventType maps the provider's vocabulary onto ours. Providers
// disagree on names ("open" vs "opened", "spam" vs "complained"), so accept
// the common spellings.
func normalizeEventType(event string) (string, bool) {
	switch event {
	case "delivered", "delivery":
		return models.SignalDelivered, true
	case "opened", "open":
		return models.SignalOpened, true
	case "clicked", "click":
		return models.SignalClicked, true
	case "bounced", "bounce", "dropped":
		return models.SignalBounced, true
	case "complained", "complaint", "spam":
		return models.SignalComplained, true
	case "unsubscribed", "unsubscribe":
		return models.SignalUnsubscribed, true
	}
	return "", false
}
