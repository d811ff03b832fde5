package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"workshelf/api/internal/export"
	"workshelf/api/internal/mode"
	"workshelf/api/internal/versioning"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var readOnly *versioning.ReadOnlyError
	var transition *versioning.TransitionError
	switch {
	case errors.Is(err, versioning.ErrDocumentNotFound):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil
	case errors.Is(err, versioning.ErrVersionNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil
	case errors.As(err, &readOnly):
		return http.StatusConflict, "MODE_READ_ONLY", "Document is read-only in its current mode", map[string]any{"mode": readOnly.Mode}
	case errors.As(err, &transition) && errors.Is(err, versioning.ErrNoOpTransition):
		return http.StatusConflict, "NO_OP_TRANSITION", "Document is already in the requested mode", map[string]any{"mode": transition.To}
	case errors.As(err, &transition):
		return http.StatusUnprocessableEntity, "ILLEGAL_TRANSITION", "Mode transition not allowed", map[string]any{"from": transition.From, "to": transition.To}
	case errors.Is(err, versioning.ErrConcurrentModification):
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Document was modified concurrently", map[string]any{"retryable": true}
	case errors.Is(err, versioning.ErrInvalidContent):
		return http.StatusUnprocessableEntity, "INVALID_CONTENT", "Content must be valid JSON", nil
	case errors.Is(err, mode.ErrUnknownMode):
		return http.StatusUnprocessableEntity, "UNKNOWN_MODE", err.Error(), map[string]any{"modes": mode.All()}
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be html, pdf or docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
