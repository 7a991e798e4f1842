package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stbsettings/internal/domain"
	apperrors "github.com/pscheid92/stbsettings/internal/platform/errors"
)

// capacityRetryAfter is advertised to devices when the session table is full.
const capacityRetryAfter = 5 * time.Second

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

// HandleError writes err as a structured JSON response.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := toStructuredError(err)
	logError(c, structuredErr)

	if structuredErr.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(structuredErr.RetryAfter.Seconds())))
	}
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

// toStructuredError maps domain failures onto client-facing categories.
// Anything unrecognised becomes an internal error with its cause hidden.
func toStructuredError(err error) *apperrors.Error {
	var structuredErr *apperrors.Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	var invalid *domain.InvalidValueError
	var malformed *domain.MalformedSchemaError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperrors.NotFoundError("session not found")
	case errors.Is(err, domain.ErrCapacityExceeded):
		return apperrors.UnavailableError("session capacity exceeded", err, capacityRetryAfter)
	case errors.As(err, &invalid):
		return apperrors.ValidationError("invalid value").
			WithField("field", invalid.Field).
			WithField("reason", invalid.Reason)
	case errors.As(err, &malformed):
		return apperrors.ValidationError("malformed schema").
			WithField("index", malformed.Index).
			WithField("field", malformed.Field).
			WithField("reason", malformed.Reason)
	default:
		return apperrors.AsStructuredError(err)
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"route", c.Path(),
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeUnavailable:
		slog.WarnContext(ctx, "Service unavailable", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}
