// internal/utils/errors.go
package utils

import (
	"errors"
	"net/http"
)

// Domain-level errors shared by repositories, services and controllers.
var (
	ErrPassNotFound       = errors.New("pass_not_found")
	ErrPassExists         = errors.New("pass_exists")
	ErrUnknownPassType    = errors.New("unknown_pass_type")
	ErrPermissionDenied   = errors.New("permission_denied")
	ErrInvalidKey         = errors.New("invalid_key")
	ErrDispatchInProgress = errors.New("dispatch_in_progress")

	// For concurrency conflicts
	ErrRowVersionConflict = errors.New("row_version_conflict")
)

// AppError carries the HTTP mapping of a service failure to the controller.
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HandleAppError centralizes responding to AppErrors.
func HandleAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		RespondErrorWithCode(w, appErr.StatusCode, appErr.Code, appErr.Message, nil, appErr.Err)
	} else {
		// Fallback for unexpected error types
		RespondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred", nil, err)
	}
}
