package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"driply/sequence"
	"driply/store"
	"driply/utils"
)

type EnrollmentController struct {
	Store   *store.Store
	Manager *sequence.Manager
	Logger  *log.Logger
}

func NewEnrollmentController(st *store.Store, manager *sequence.Manager, logger *log.Logger) *EnrollmentController {
	return &EnrollmentController{
		Store:   st,
		Manager: manager,
		Logger:  logger,
	}
}

// CreateEnrollment enrolls a subscriber into a specific sequence. Enrolling
// an already-active pair returns the existing enrollment with 200 instead
// of creating a duplicate.
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var input struct {
		SubscriberID uint `json:"subscriber_id" validate:"required"`
		SequenceID   uint `json:"sequence_id" validate:"required"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enrollment, created, err := ec.Manager.Enroll(input.SubscriberID, input.SequenceID)
	if errors.Is(err, sequence.ErrSubscriberInactive) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Subscriber is not active", nil)
	} else if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Subscriber or sequence not found", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll", err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		ec.Logger.Printf("Enrolled subscriber %d into sequence %d", input.SubscriberID, input.SequenceID)
	}
	return c.Status(status).JSON(utils.SuccessResponse(enrollment))
}

// PauseEnrollment suspends scheduling for an active enrollment. Paused
// enrollments keep their position; resuming picks up where it left off.
func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}

	err := ec.Manager.Pause(id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	} else if errors.Is(err, sequence.ErrEnrollmentNotActive) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is not active", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause enrollment", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Enrollment paused"}))
}

// ResumeEnrollment reactivates a paused enrollment.
func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}

	err := ec.Manager.Resume(id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	} else if errors.Is(err, sequence.ErrEnrollmentNotPaused) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is not paused", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume enrollment", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Enrollment resumed"}))
}
