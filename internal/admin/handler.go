// Package admin serves the rule and field catalog management endpoints.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"clinrule/internal/apperr"
	"clinrule/internal/compile"
	"clinrule/internal/metadata"
	"clinrule/internal/rulecache"
	"clinrule/internal/store"
	"clinrule/internal/value"
)

// Store is the definition storage the admin endpoints write through.
type Store interface {
	metadata.Source
	GetRule(ctx context.Context, id string) (*metadata.Rule, error)
	CreateRule(ctx context.Context, r *metadata.Rule) error
	UpdateRule(ctx context.Context, r *metadata.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SaveField(ctx context.Context, f *metadata.Field) error
	DeleteField(ctx context.Context, name string) error
}

type Handler struct {
	store    Store
	registry *metadata.Registry
	cache    *rulecache.Cache
	logger   *slog.Logger
}

func NewHandler(s Store, reg *metadata.Registry, cache *rulecache.Cache, logger *slog.Logger) *Handler {
	return &Handler{store: s, registry: reg, cache: cache, logger: logger}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/rules", h.ListRules)
	admin.Post("/rules/check", h.CheckRule)
	admin.Get("/rules/:id", h.GetRule)
	admin.Post("/rules", h.CreateRule)
	admin.Put("/rules/:id", h.UpdateRule)
	admin.Delete("/rules/:id", h.DeleteRule)

	admin.Get("/fields", h.ListFields)
	admin.Post("/fields", h.SaveField)
	admin.Delete("/fields/:name", h.DeleteField)

	admin.Post("/reload", h.Reload)
}

// ruleView is a stored rule plus its compile status in the registry.
type ruleView struct {
	*metadata.Rule
	Broken *apperr.ErrorDetail `json:"broken,omitempty"`
}

func (h *Handler) view(r *metadata.Rule) ruleView {
	v := ruleView{Rule: r}
	if err, ok := h.registry.Broken()[r.ID]; ok {
		d := apperr.CompileFailed(r.ID, err).Details[0]
		v.Broken = &d
	}
	return v
}

// --- Rule Endpoints ---

func (h *Handler) ListRules(c *fiber.Ctx) error {
	field := c.Query("field")
	rules := h.registry.AllRules()
	out := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		if field != "" && r.Field != field {
			continue
		}
		out = append(out, h.view(r))
	}
	return c.JSON(fiber.Map{"data": out})
}

func (h *Handler) GetRule(c *fiber.Ctx) error {
	id := c.Params("id")
	r, err := h.store.GetRule(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Rule", id)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.view(r)})
}

func (h *Handler) CreateRule(c *fiber.Ctx) error {
	var rule metadata.Rule
	rule.Active = true
	if err := c.BodyParser(&rule); err != nil {
		return apperr.InvalidPayload("Invalid JSON body")
	}
	if strings.TrimSpace(rule.ID) == "" {
		return apperr.Validation([]apperr.ErrorDetail{{Field: "id", Message: "id is required"}})
	}
	if err := h.checkRule(&rule); err != nil {
		return err
	}

	err := h.store.CreateRule(c.Context(), &rule)
	if errors.Is(err, store.ErrUniqueViolation) {
		return apperr.Conflict("Rule already exists: " + rule.ID)
	}
	if err != nil {
		return err
	}
	if err := h.reload(c.Context()); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rule})
}

func (h *Handler) UpdateRule(c *fiber.Ctx) error {
	id := c.Params("id")
	var rule metadata.Rule
	rule.Active = true
	if err := c.BodyParser(&rule); err != nil {
		return apperr.InvalidPayload("Invalid JSON body")
	}
	rule.ID = id
	if err := h.checkRule(&rule); err != nil {
		return err
	}

	err := h.store.UpdateRule(c.Context(), &rule)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Rule", id)
	}
	if err != nil {
		return err
	}
	if err := h.reload(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rule})
}

func (h *Handler) DeleteRule(c *fiber.Ctx) error {
	id := c.Params("id")
	err := h.store.DeleteRule(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Rule", id)
	}
	if err != nil {
		return err
	}
	if err := h.reload(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

type checkRequest struct {
	Field  string `json:"field"`
	Source string `json:"source"`
}

// CheckRule compiles rule text against the current catalog without saving it.
func (h *Handler) CheckRule(c *fiber.Ctx) error {
	var body checkRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.InvalidPayload("Invalid JSON body")
	}
	compiled, err := compile.Compile(body.Field, body.Source, h.registry.Catalog())
	if err != nil {
		return c.JSON(fiber.Map{"data": fiber.Map{
			"valid": false,
			"error": apperr.CompileFailed("", err).Details[0],
		}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"valid":     true,
		"canonical": compiled.Canonical,
		"refs":      compiled.Refs,
	}})
}

// checkRule validates the definition's shape, then compiles it. Rules that do
// not compile are never stored.
func (h *Handler) checkRule(r *metadata.Rule) error {
	if err := r.Validate(); err != nil {
		return apperr.Validation(detailsOf(err))
	}
	if _, err := compile.Compile(r.Field, r.Source, h.registry.Catalog()); err != nil {
		return apperr.CompileFailed(r.ID, err)
	}
	return nil
}

func detailsOf(err error) []apperr.ErrorDetail {
	var details []apperr.ErrorDetail
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			details = append(details, apperr.ErrorDetail{Message: e.Error()})
		}
		return details
	}
	return []apperr.ErrorDetail{{Message: err.Error()}}
}

// --- Field Endpoints ---

func (h *Handler) ListFields(c *fiber.Ctx) error {
	fields := h.registry.AllFields()
	if fields == nil {
		fields = []*metadata.Field{}
	}
	return c.JSON(fiber.Map{"data": fields})
}

func (h *Handler) SaveField(c *fiber.Ctx) error {
	var field metadata.Field
	if err := c.BodyParser(&field); err != nil {
		return apperr.InvalidPayload("Invalid JSON body")
	}
	var details []apperr.ErrorDetail
	if strings.TrimSpace(field.Name) == "" {
		details = append(details, apperr.ErrorDetail{Field: "name", Message: "name is required"})
	}
	if _, err := value.ParseKind(field.Type); err != nil {
		details = append(details, apperr.ErrorDetail{Field: "type", Message: err.Error()})
	}
	if len(details) > 0 {
		return apperr.Validation(details)
	}

	if err := h.store.SaveField(c.Context(), &field); err != nil {
		return err
	}
	if err := h.reload(c.Context()); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": field})
}

func (h *Handler) DeleteField(c *fiber.Ctx) error {
	name := c.Params("name")
	err := h.store.DeleteField(c.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Field", name)
	}
	if err != nil {
		return err
	}
	if err := h.reload(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Reload ---

func (h *Handler) Reload(c *fiber.Ctx) error {
	res, err := metadata.Reload(c.Context(), h.store, h.registry, h.cache, h.logger)
	if err != nil {
		return err
	}
	broken := make(map[string]string, len(res.Broken))
	for id, err := range res.Broken {
		broken[id] = err.Error()
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"fields": res.Fields,
		"rules":  res.Rules,
		"broken": broken,
		"cache":  h.cache.Stats(),
	}})
}

func (h *Handler) reload(ctx context.Context) error {
	_, err := metadata.Reload(ctx, h.store, h.registry, h.cache, h.logger)
	return err
}
