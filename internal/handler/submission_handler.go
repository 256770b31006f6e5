package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// SubmissionHandler manages submission endpoints.
type SubmissionHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service: service,
		logger:  logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
// createGuards run before uploads, overrideGuards before manual grade changes.
func (h *SubmissionHandler) Register(router fiber.Router, createGuards, overrideGuards []fiber.Handler) {
	router.Get("", h.list)
	router.Post("", append(createGuards, h.create)...)
	router.Put("/:id", append(overrideGuards, h.override)...)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	studentID, err := parseFormUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	exerciseID, err := parseFormUint(c, "exercise_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		file = nil
	}

	payload := dto.SubmissionCreateRequest{StudentID: studentID, ExerciseID: exerciseID}
	submission, err := h.service.Submit(c.UserContext(), payload, file)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission graded", submission)
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	var filter dto.SubmissionFilter
	studentID, err := parseQueryUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	exerciseID, err := parseQueryUint(c, "exercise_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	filter.StudentID = studentID
	filter.ExerciseID = exerciseID

	submissions, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submissions retrieved", submissions)
}

func (h *SubmissionHandler) override(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SubmissionOverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	submission, err := h.service.Override(c.UserContext(), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission updated", submission)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	var details interface{}
	if stage, ok := service.StageOf(err); ok {
		details = fiber.Map{"stage": stage}
	}

	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, validationErrors.Error(), details)
	case errors.Is(err, service.ErrInvalidSubmission), errors.Is(err, service.ErrDocumentRequired):
		return utils.Fail(c, fiber.StatusBadRequest, rootMessage(err), details)
	case errors.Is(err, service.ErrExerciseNotFound), errors.Is(err, service.ErrSubmissionNotFound):
		return utils.Fail(c, fiber.StatusNotFound, rootMessage(err), details)
	case errors.Is(err, service.ErrDuplicateSubmission):
		return utils.Fail(c, fiber.StatusConflict, rootMessage(err), details)
	case errors.Is(err, service.ErrDocumentTooLarge):
		return utils.Fail(c, fiber.StatusRequestEntityTooLarge, rootMessage(err), details)
	case errors.Is(err, service.ErrUnsupportedDocument):
		return utils.Fail(c, fiber.StatusUnsupportedMediaType, rootMessage(err), details)
	}

	message := "internal server error"
	for _, known := range []error{service.ErrExtraction, service.ErrGradingService, service.ErrPersistence, service.ErrStorage} {
		if errors.Is(err, known) {
			message = known.Error()
			break
		}
	}

	requestLogger(h.logger, c).Error().Err(err).Interface("details", details).Msg("submission request failed")
	return utils.Fail(c, fiber.StatusInternalServerError, message, details)
}

// rootMessage drops the stage prefix so clients see the sentinel text only.
func rootMessage(err error) string {
	var stageErr *service.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Err.Error()
	}
	return err.Error()
}
