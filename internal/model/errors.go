package model

import (
	"fmt"
	"net/http"
	"time"

	"github.com/juju/errors"
)

const (
	ErrValidation        = errors.ConstError("validation error")
	ErrInvalidCoordinate = errors.ConstError("invalid coordinate")
	ErrAuthentication    = errors.ConstError("authentication error")
	ErrForbidden         = errors.ConstError("forbidden")
	ErrNotConfigured     = errors.ConstError("not configured")
	ErrNotFound          = errors.ConstError("not found")
	ErrRateLimited       = errors.ConstError("rate limited")
)

// Validationf returns an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return errors.Annotatef(ErrValidation, format, args...)
}

// ErrorCode maps an error to the short code reported to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCoordinate):
		return "invalid_coordinate"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the response status used by the HTTP surfaces.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case "":
		return http.StatusOK
	case "invalid_coordinate", "validation_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_configured", "not_found":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// InconsistentSequenceWarning describes an event that arrived without the
// CLOCK_IN it implies. It is logged and never returned to the submitter.
type InconsistentSequenceWarning struct {
	EmployeeID string
	Event      EventType
	At         time.Time
	Reason     string
}

func (w InconsistentSequenceWarning) String() string {
	return fmt.Sprintf("inconsistent sequence for %s: %s at %s: %s", w.EmployeeID, w.Event, w.At.Format(time.RFC3339), w.Reason)
}
