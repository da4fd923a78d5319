package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"driply/config"
	controller "driply/controllers"
	"driply/middleware"
	"driply/sequence"
	"driply/store"
)

// SetupRoutes wires the HTTP surface: the admin API under /api/v1 behind a
// bearer token, the provider webhook behind a shared secret, and the public
// tracking endpoints.
func SetupRoutes(app *fiber.App, cfg *config.Config, st *store.Store, registry *sequence.Registry, manager *sequence.Manager, tracker *sequence.Tracker) {
	subscriberController := controller.NewSubscriberController(st, manager, log.New(os.Stdout, "SUBSCRIBER: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(st, registry, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	enrollmentController := controller.NewEnrollmentController(st, manager, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags))
	webhookController := controller.NewWebhookController(tracker, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(tracker, log.New(os.Stdout, "TRACKING: ", log.LstdFlags))

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "driply"})
	})

	// Admin API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(cfg.AdminAPIToken), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Subscriber routes
	subscriber := api.Group("/subscribers")
	subscriber.Post("/", subscriberController.CaptureSubscriber)
	subscriber.Post("/unsubscribe", subscriberController.Unsubscribe)
	subscriber.Get("/:id", subscriberController.GetSubscriber)

	// Sequence definition routes
	seq := api.Group("/sequences")
	seq.Post("/", sequenceController.CreateSequence)
	seq.Get("/", sequenceController.ListSequences)
	seq.Get("/:id", sequenceController.GetSequence)
	seq.Get("/:id/stats", sequenceController.GetSequenceStats)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Post("/", enrollmentController.CreateEnrollment)
	enrollment.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollment.Post("/:id/resume", enrollmentController.ResumeEnrollment)

	// Provider webhook, authenticated by shared secret
	app.Post("/webhooks/email", middleware.WebhookAuth(cfg.WebhookSecret), webhookController.HandleEmailEvents)

	// Public tracking endpoints, token-authenticated per message
	app.Get("/track/open/:messageID/:token", trackingController.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", trackingController.HandleClickTracking)
	app.Get("/track/unsubscribe/:messageID/:token", trackingController.HandleUnsubscribe)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("Routes initialized successfully")
}
