package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"driply/models"
	"driply/sequence"
	"driply/store"
	"driply/utils"
)

type SubscriberController struct {
	Store   *store.Store
	Manager *sequence.Manager
	Logger  *log.Logger
}

func NewSubscriberController(st *store.Store, manager *sequence.Manager, logger *log.Logger) *SubscriberController {
	return &SubscriberController{
		Store:   st,
		Manager: manager,
		Logger:  logger,
	}
}

// CaptureSubscriber registers a contact from a capture surface and enrolls
// them into every active sequence targeting that source. Capturing the same
// email twice returns the existing subscriber instead of a duplicate.
func (sc *SubscriberController) CaptureSubscriber(c *fiber.Ctx) error {
	var input struct {
		Email  string   `json:"email" validate:"required,email"`
		Name   string   `json:"name" validate:"omitempty,max=200"`
		Source string   `json:"source" validate:"omitempty,max=100"`
		Tags   []string `json:"tags"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := utils.ValidateEmailAddress(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	email := store.NormalizeEmail(input.Email)
	created := false

	subscriber, err := sc.Store.FindSubscriberByEmail(email)
	if errors.Is(err, store.ErrNotFound) {
		subscriber = &models.Subscriber{
			Email:  email,
			Name:   input.Name,
			Source: input.Source,
			Status: models.SubscriberStatusActive,
		}
		if err := sc.Store.CreateSubscriber(subscriber); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create subscriber", err)
		}
		created = true
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to look up subscriber", err)
	}

	for _, tag := range input.Tags {
		if err := sc.Store.AddSubscriberTag(subscriber.ID, tag); err != nil {
			sc.Logger.Printf("Failed to tag subscriber %d with %q: %v", subscriber.ID, tag, err)
		}
	}

	// Enrollment is idempotent, so re-capturing an already-enrolled
	// subscriber is harmless. Unsubscribed and bounced contacts are not
	// re-enrolled; opting out is one-way.
	var enrollments []models.Enrollment
	if subscriber.Status == models.SubscriberStatusActive {
		enrollments, err = sc.Manager.EnrollFromSource(subscriber.ID, input.Source)
		if err != nil {
			sc.Logger.Printf("Failed to auto-enroll subscriber %d: %v", subscriber.ID, err)
		}
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(fiber.Map{
		"subscriber":  subscriber,
		"enrollments": enrollments,
	}))
}

// GetSubscriber returns a subscriber with their tags and enrollments.
func (sc *SubscriberController) GetSubscriber(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid subscriber ID", nil)
	}

	subscriber, err := sc.Store.GetSubscriber(id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch subscriber", err)
	}

	enrollments, err := sc.Store.ListActiveEnrollmentsForSubscriber(id)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"subscriber":  subscriber,
		"enrollments": enrollments,
	}))
}

// Unsubscribe opts a subscriber out by email. All their active enrollments
// are halted and no further sequence email will ever be dispatched to them.
func (sc *SubscriberController) Unsubscribe(c *fiber.Ctx) error {
	var input struct {
		Email  string `json:"email" validate:"required,email"`
		Reason string `json:"reason" validate:"omitempty,max=200"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	subscriber, err := sc.Store.FindSubscriberByEmail(store.NormalizeEmail(input.Email))
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber not found", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to look up subscriber", err)
	}

	reason := input.Reason
	if reason == "" {
		reason = "manual"
	}
	if err := sc.Manager.Unsubscribe(subscriber.ID, reason); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to unsubscribe", err)
	}

	sc.Logger.Printf("Subscriber %d unsubscribed (%s)", subscriber.ID, reason)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message": "Unsubscribed",
	}))
}
