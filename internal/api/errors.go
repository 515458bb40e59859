package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/tasktree/internal/api/shared"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/service/tasktree"
	"github.com/phrazzld/tasktree/internal/store"
)

// ErrInvalidQuery marks a malformed query string.
var ErrInvalidQuery = errors.New("invalid query")

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing their text.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, tasktree.ErrTreeNotFound),
		errors.Is(err, tasktree.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidQuery),
		errors.As(err, &verrs),
		errors.Is(err, store.ErrInvalidEntity),
		domain.IsValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, tasktree.ErrTreeNotFound):
		return "Tree not found"
	case errors.Is(err, tasktree.ErrTaskNotFound), errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrLockNotFound):
		return "Lock not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.As(err, &verrs):
		return "Invalid " + verrs[0].Field() + ": failed " + verrs[0].Tag() + " check"
	case errors.Is(err, ErrInvalidQuery):
		return "Invalid query"
	case errors.Is(err, store.ErrInvalidEntity), domain.IsValidationError(err):
		return "Invalid request"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the reply for err. message overrides the default
// client-facing text when set.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
