package app

import (
	"errors"
	"fmt"
	"net/http"

	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/auth"
	"zuzalu/api/internal/export"
	"zuzalu/api/internal/media"
	"zuzalu/api/internal/store"
	"zuzalu/api/internal/threshold"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func badRequest(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *acc.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message, map[string]any{
			"index": validationErr.Index,
			"field": validationErr.Field,
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case threshold.IsSignInRequired(err):
		return http.StatusUnauthorized, "SIGN_IN_REQUIRED", "Sign in with a wallet to continue", nil
	case errors.Is(err, threshold.ErrConditionsNotMet):
		return http.StatusForbidden, "CONDITIONS_NOT_MET", "Access control conditions not met", nil
	case errors.Is(err, threshold.ErrNotConnected):
		return http.StatusServiceUnavailable, "NETWORK_UNAVAILABLE", "Decryption network not connected", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload too large", nil
	case errors.Is(err, media.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", "Unsupported image format", nil
	case errors.Is(err, media.ErrEmpty):
		return http.StatusBadRequest, "EMPTY_UPLOAD", "Empty upload", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
