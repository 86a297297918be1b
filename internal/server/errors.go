package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/card"
)

type errorResponse struct {
	Timestamp        time.Time         `json:"timestamp"`
	Status           int               `json:"status"`
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	Path             string            `json:"path"`
	ValidationErrors []card.FieldError `json:"validation_errors,omitempty"`
}

// ErrorHandler renders every handler error as a JSON body whose status follows
// the error kind.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		resp := errorResponse{
			Timestamp: time.Now().UTC(),
			Path:      c.Path(),
			Message:   err.Error(),
		}

		var (
			fiberErr *fiber.Error
			validErr *card.ValidationError
		)
		switch {
		case errors.As(err, &validErr):
			resp.Status, resp.Error = http.StatusBadRequest, "Validation Failed"
			resp.ValidationErrors = validErr.Fields
		case errors.Is(err, card.ErrInvalidID):
			resp.Status, resp.Error = http.StatusBadRequest, "Invalid Identifier"
		case errors.Is(err, card.ErrCardNotFound), errors.Is(err, card.ErrTransactionNotFound):
			resp.Status, resp.Error = http.StatusNotFound, "Not Found"
		case errors.Is(err, card.ErrCardNotActive), errors.Is(err, card.ErrInsufficientBalance):
			resp.Status, resp.Error = http.StatusBadRequest, "Business Rule Violation"
		case errors.Is(err, card.ErrRateLimitExceeded):
			resp.Status, resp.Error = http.StatusTooManyRequests, "Rate Limit Exceeded"
		case card.IsRetryable(err):
			resp.Status, resp.Error = http.StatusConflict, "Concurrent Modification"
			resp.Message = "Concurrent modification detected. Please retry your request."
		case errors.As(err, &fiberErr):
			resp.Status, resp.Error = fiberErr.Code, http.StatusText(fiberErr.Code)
		default:
			resp.Status, resp.Error = http.StatusInternalServerError, "Internal Server Error"
			resp.Message = "An unexpected error occurred"
			logger.Error("unhandled error", "path", c.Path(), "error", err)
		}

		return c.Status(resp.Status).JSON(resp)
	}
}
