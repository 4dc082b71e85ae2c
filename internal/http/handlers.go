package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"heygem/internal/jobs"
)

// JobService is the part of jobs.Service the handlers depend on.
type JobService interface {
	Submit(code string, params jobs.Params) (jobs.Job, error)
	Query(code string) (jobs.Entry, bool)
	Stats() jobs.Stats
}

func serviceFrom(c *fiber.Ctx) JobService {
	return c.Locals("service").(JobService)
}

func loggerFrom(c *fiber.Ctx) *slog.Logger {
	if l, ok := c.Locals("logger").(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

func respond(c *fiber.Ctx, status, code int, success bool, msg string, data interface{}) error {
	if data == nil {
		data = fiber.Map{}
	}
	return c.Status(status).JSON(Envelope{
		Code:    code,
		Success: success,
		Msg:     msg,
		Data:    data,
	})
}

// submitHandler admits a synthesis job. It returns as soon as the job is
// queued.
func submitHandler(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return respond(c, fiber.StatusBadRequest, CodeBadParams, false, "invalid request body", nil)
	}

	svc := serviceFrom(c)
	job, err := svc.Submit(req.Code, req.Params())
	if err != nil {
		var (
			vErr *jobs.ValidationError
			dErr *jobs.DuplicateError
		)
		switch {
		case errors.As(err, &vErr):
			return respond(c, fiber.StatusBadRequest, CodeBadParams, false, validationMessage(vErr), nil)
		case errors.As(err, &dErr):
			return respond(c, fiber.StatusConflict, CodeDuplicate, false, "task already exists and is in progress", DuplicateData{
				Code:          dErr.Code,
				CurrentStatus: dErr.State,
			})
		case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
			return respond(c, fiber.StatusServiceUnavailable, CodeBusy, false, "busy", nil)
		default:
			loggerFrom(c).Error("submit_failed", "code", req.Code, "error", err)
			return respond(c, fiber.StatusInternalServerError, CodeSystemError, false, "system error", nil)
		}
	}

	return respond(c, fiber.StatusOK, CodeSuccess, true, "success", SubmitData{Code: job.Code})
}

func validationMessage(e *jobs.ValidationError) string {
	if e.Reason != "" {
		return e.Field + " parameter invalid: " + e.Reason
	}
	return e.Field + " parameter missing"
}

// queryHandler reports a job's state. A terminal state is returned once;
// the next query for the same code reports not found.
func queryHandler(c *fiber.Ctx) error {
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		return respond(c, fiber.StatusBadRequest, CodeBadParams, false, "code parameter missing", nil)
	}

	entry, ok := serviceFrom(c).Query(code)
	if !ok {
		return respond(c, fiber.StatusOK, CodeNotFound, true, "task not found", nil)
	}
	return respond(c, fiber.StatusOK, CodeSuccess, true, "", newQueryData(entry))
}

func healthHandler(c *fiber.Ctx) error {
	stats := serviceFrom(c).Stats()
	return respond(c, fiber.StatusOK, CodeSuccess, true, "service is healthy", HealthData{
		Status:        "healthy",
		QueueSize:     stats.QueueLength,
		CurrentTasks:  stats.InFlight,
		MaxConcurrent: stats.MaxConcurrent,
	})
}

// errorHandler renders errors that escape handlers, including recovered
// panics, as a system error envelope.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return respond(c, fe.Code, CodeSystemError, false, fe.Message, nil)
		}
		if logger != nil {
			logger.Error("request_failed", "method", c.Method(), "path", c.Path(), "error", err)
		}
		return respond(c, fiber.StatusInternalServerError, CodeSystemError, false, "system error", nil)
	}
}
