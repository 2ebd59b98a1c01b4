// Package apperr is the JSON error envelope shared by every HTTP handler.
package apperr

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"clinrule/internal/compile"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail points at what went wrong. Offset is a byte offset into rule
// source text and is only set for compile errors.
type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Offset  *int   `json:"offset,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  fiber.StatusNotFound,
		Message: fmt.Sprintf("%s with id %s not found", kind, id),
	}
}

func InvalidPayload(msg string) *AppError {
	return New("INVALID_PAYLOAD", fiber.StatusBadRequest, msg)
}

func Validation(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  fiber.StatusUnprocessableEntity,
		Message: "Validation failed",
		Details: details,
	}
}

func Conflict(msg string) *AppError {
	return New("CONFLICT", fiber.StatusConflict, msg)
}

func Unauthorized(msg string) *AppError {
	return New("UNAUTHORIZED", fiber.StatusUnauthorized, msg)
}

func Forbidden(msg string) *AppError {
	return New("FORBIDDEN", fiber.StatusForbidden, msg)
}

// CompileFailed reports rule text that does not compile, with the error
// kind and byte offset when known.
func CompileFailed(ruleID string, err error) *AppError {
	kind, offset := compile.Describe(err)
	d := ErrorDetail{Rule: ruleID, Kind: kind, Message: err.Error()}
	if offset >= 0 {
		d.Offset = &offset
	}
	return &AppError{
		Code:    "COMPILE_FAILED",
		Status:  fiber.StatusUnprocessableEntity,
		Message: "Rule does not compile",
		Details: []ErrorDetail{d},
	}
}

// Handler renders AppErrors as-is and hides anything else behind a generic
// 500 after logging it.
func Handler(logger *slog.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
			})
		}

		logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: &AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
