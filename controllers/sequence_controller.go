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

type SequenceController struct {
	Store    *store.Store
	Registry *sequence.Registry
	Logger   *log.Logger
}

func NewSequenceController(st *store.Store, registry *sequence.Registry, logger *log.Logger) *SequenceController {
	return &SequenceController{
		Store:    st,
		Registry: registry,
		Logger:   logger,
	}
}

// CreateSequence creates a sequence definition with its steps. The step
// list is validated as a whole: contiguous ordinals from zero and strictly
// increasing day offsets.
func (qc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name         string `json:"name" validate:"required,max=200"`
		Description  string `json:"description" validate:"omitempty,max=1000"`
		TargetSource string `json:"target_source" validate:"omitempty,max=100"`
		IsActive     *bool  `json:"is_active"`
		Steps        []struct {
			Ordinal      int    `json:"ordinal"`
			TemplateName string `json:"template_name" validate:"required,max=100"`
			Subject      string `json:"subject" validate:"required,max=300"`
			DayOffset    int    `json:"day_offset"`
		} `json:"steps" validate:"required,min=1,dive"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seq := models.Sequence{
		Name:         input.Name,
		Description:  input.Description,
		TargetSource: input.TargetSource,
		IsActive:     true,
	}
	if input.IsActive != nil {
		seq.IsActive = *input.IsActive
	}
	for _, step := range input.Steps {
		seq.Steps = append(seq.Steps, models.SequenceStep{
			Ordinal:      step.Ordinal,
			TemplateName: step.TemplateName,
			Subject:      step.Subject,
			DayOffset:    step.DayOffset,
		})
	}

	if err := qc.Registry.Create(&seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence definition", err)
	}

	qc.Logger.Printf("Created sequence %d (%s) with %d steps", seq.ID, seq.Name, len(seq.Steps))
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// ListSequences returns all sequence definitions with their steps.
func (qc *SequenceController) ListSequences(c *fiber.Ctx) error {
	sequences, err := qc.Registry.List()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// GetSequence returns a single sequence definition.
func (qc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}

	seq, err := qc.Registry.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// GetSequenceStats returns the funnel aggregates for a sequence: enrollment
// totals plus per-step sent/delivered/opened/clicked/bounced counts with
// derived rates.
func (qc *SequenceController) GetSequenceStats(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}

	seq, err := qc.Registry.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	} else if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", err)
	}

	steps := make([]fiber.Map, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		steps = append(steps, fiber.Map{
			"ordinal":         step.Ordinal,
			"template_name":   step.TemplateName,
			"subject":         step.Subject,
			"day_offset":      step.DayOffset,
			"sent_count":      step.SentCount,
			"delivered_count": step.DeliveredCount,
			"opened_count":    step.OpenedCount,
			"clicked_count":   step.ClickedCount,
			"bounced_count":   step.BouncedCount,
			"open_rate":       rate(step.OpenedCount, step.DeliveredCount),
			"click_rate":      rate(step.ClickedCount, step.DeliveredCount),
		})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"sequence_id":     seq.ID,
		"name":            seq.Name,
		"enrolled_count":  seq.EnrolledCount,
		"active_count":    seq.ActiveCount,
		"completed_count": seq.CompletedCount,
		"steps":           steps,
	}))
}

func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
