package services

import (
	"errors"
	"net/http"

	"github.com/poofware/wallet-service/internal/utils"
)

func isNotFound(err error) bool {
	return errors.Is(err, utils.ErrPassNotFound)
}

func unauthorized(err error) error {
	return &utils.AppError{
		StatusCode: http.StatusUnauthorized,
		Code:       utils.ErrCodeUnauthorized,
		Message:    "Invalid or missing credentials",
		Err:        err,
	}
}

func notFound(msg string, err error) error {
	return &utils.AppError{
		StatusCode: http.StatusNotFound,
		Code:       utils.ErrCodeNotFound,
		Message:    msg,
		Err:        err,
	}
}

func badRequest(msg string, err error) error {
	return &utils.AppError{
		StatusCode: http.StatusBadRequest,
		Code:       utils.ErrCodeValidation,
		Message:    msg,
		Err:        err,
	}
}

func internal(err error) error {
	return &utils.AppError{
		StatusCode: http.StatusInternalServerError,
		Code:       utils.ErrCodeInternal,
		Message:    "An unexpected error occurred",
		Err:        err,
	}
}

// authOrInternal maps a gate error to 401, anything else to 500.
func authOrInternal(err error) error {
	if isAuthFailure(err) {
		return unauthorized(err)
	}
	return internal(err)
}
