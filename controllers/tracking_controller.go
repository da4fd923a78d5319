package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"driply/models"
	"driply/sequence"
	"driply/utils"
)

// TrackingController serves the open pixel, the click redirect and the
// one-click unsubscribe link embedded into outgoing emails. These endpoints
// are unauthenticated; the HMAC token per message keeps them unforgeable.
type TrackingController struct {
	Tracker *sequence.Tracker
	Logger  *log.Logger
}

func NewTrackingController(tracker *sequence.Tracker, logger *log.Logger) *TrackingController {
	return &TrackingController{
		Tracker: tracker,
		Logger:  logger,
	}
}

// HandleOpenTracking records an open and answers with a transparent pixel.
// The pixel is returned even when recording fails: the recipient's mail
// client should never see an error.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	if err := tc.Tracker.Process(c.Context(), sequence.Signal{
		EventType: models.SignalOpened,
		MessageID: messageID,
	}); err != nil {
		tc.Logger.Printf("Failed to record open for message %s: %v", messageID, err)
	}

	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records a click and redirects to the original URL.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	if err := tc.Tracker.Process(c.Context(), sequence.Signal{
		EventType: models.SignalClicked,
		MessageID: messageID,
		URL:       originalURL,
	}); err != nil {
		tc.Logger.Printf("Failed to record click for message %s: %v", messageID, err)
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

// HandleUnsubscribe processes the one-click unsubscribe link. The opt-out is
// applied before the confirmation page renders.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	if err := tc.Tracker.Process(c.Context(), sequence.Signal{
		EventType: models.SignalUnsubscribed,
		MessageID: messageID,
		Reason:    "link",
	}); err != nil {
		tc.Logger.Printf("Failed to process unsubscribe for message %s: %v", messageID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong, please try again")
	}

	return c.Type("html").SendString("<html><body><p>You have been unsubscribed.</p></body></html>")
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
