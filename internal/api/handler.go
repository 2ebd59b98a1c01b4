// Package api serves the runtime endpoints: interactive validation, QC runs
// and violation review.
package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"clinrule/internal/apperr"
	"clinrule/internal/auth"
	"clinrule/internal/qc"
	"clinrule/internal/store"
	"clinrule/internal/validator"
	"clinrule/internal/value"
)

// Validator answers per-field validation calls.
type Validator interface {
	Validate(ctx context.Context, req validator.Request) validator.Result
}

// QC is the batch engine as used by the HTTP layer.
type QC interface {
	Run(ctx context.Context, recordSet string) (*qc.RunSummary, error)
	Resolve(ctx context.Context, id, resolver, note string) (*qc.Violation, error)
	Violations(ctx context.Context, filter qc.ViolationFilter) ([]*qc.Violation, error)
	Violation(ctx context.Context, id string) (*qc.Violation, error)
	Runs(ctx context.Context, limit int) ([]*qc.RunSummary, error)
	State() qc.State
}

type Handler struct {
	validator Validator
	qc        QC
	logger    *slog.Logger
}

func NewHandler(v Validator, q QC, logger *slog.Logger) *Handler {
	return &Handler{validator: v, qc: q, logger: logger}
}

// RegisterRoutes mounts the runtime API. authMW identifies the caller;
// resolving violations additionally needs a reviewer role.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/validate", h.Validate)

	api.Get("/qc/state", h.QCState)
	api.Get("/qc/runs", h.ListRuns)
	api.Post("/qc/runs", auth.RequireAdmin(), h.StartRun)

	api.Get("/violations", h.ListViolations)
	api.Get("/violations/:id", h.GetViolation)
	api.Post("/violations/:id/resolve", auth.RequireResolver(), h.ResolveViolation)
}

type validateRequest struct {
	Field  string         `json:"field"`
	Value  any            `json:"value"`
	Record map[string]any `json:"record"`
	Today  string         `json:"today"`
}

func (h *Handler) Validate(c *fiber.Ctx) error {
	var body validateRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.InvalidPayload("Invalid JSON body")
	}
	if strings.TrimSpace(body.Field) == "" {
		return apperr.Validation([]apperr.ErrorDetail{{Field: "field", Message: "field is required"}})
	}

	req := validator.Request{Field: body.Field, Value: body.Value, Record: body.Record}
	if body.Today != "" {
		today, err := value.ParseDate(body.Today)
		if err != nil {
			return apperr.Validation([]apperr.ErrorDetail{{Field: "today", Message: err.Error()}})
		}
		req.Today = today
	}

	return c.JSON(fiber.Map{"data": h.validator.Validate(c.Context(), req)})
}

func (h *Handler) QCState(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": fiber.Map{"state": h.qc.State()}})
}

func (h *Handler) StartRun(c *fiber.Ctx) error {
	var body struct {
		RecordSet string `json:"record_set"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return apperr.InvalidPayload("Invalid JSON body")
		}
	}

	run, err := h.qc.Run(c.Context(), body.RecordSet)
	if errors.Is(err, qc.ErrRunInProgress) {
		return apperr.Conflict("A QC run is already in progress")
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": run})
}

func (h *Handler) ListRuns(c *fiber.Ctx) error {
	runs, err := h.qc.Runs(c.Context(), c.QueryInt("limit", 20))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*qc.RunSummary{}
	}
	return c.JSON(fiber.Map{"data": runs})
}

func (h *Handler) ListViolations(c *fiber.Ctx) error {
	filter := qc.ViolationFilter{
		State:    qc.ViolationState(c.Query("state")),
		RecordID: c.Query("record_id"),
		Field:    c.Query("field"),
		RuleID:   c.Query("rule_id"),
	}
	switch filter.State {
	case "", qc.ViolationOpen, qc.ViolationResolved:
	default:
		return apperr.Validation([]apperr.ErrorDetail{{Field: "state", Message: "state must be open or resolved"}})
	}

	list, err := h.qc.Violations(c.Context(), filter)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*qc.Violation{}
	}
	return c.JSON(fiber.Map{"data": list})
}

func (h *Handler) GetViolation(c *fiber.Ctx) error {
	id := c.Params("id")
	v, err := h.qc.Violation(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Violation", id)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": v})
}

func (h *Handler) ResolveViolation(c *fiber.Ctx) error {
	id := c.Params("id")
	var body struct {
		Note string `json:"note"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return apperr.InvalidPayload("Invalid JSON body")
		}
	}

	user := auth.GetUser(c)
	v, err := h.qc.Resolve(c.Context(), id, user.ID, body.Note)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("Violation", id)
	case errors.Is(err, qc.ErrAlreadyResolved):
		return apperr.Conflict("Violation " + id + " is already resolved")
	case err != nil:
		return err
	}
	return c.JSON(fiber.Map{"data": v})
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegisterHealth mounts GET /health.
func RegisterHealth(app *fiber.App, db Pinger) {
	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
