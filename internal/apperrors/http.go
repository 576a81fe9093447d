package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code. The
// outermost *Error decides, so a remote failure whose cause happens to be a
// not-found stays a 502.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		err = appErr.Sentinel
	}
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrConfigMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrParse), errors.Is(err, ErrCorruptSecret):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
