package collab

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainError is an admission failure reported to the client before the
// WebSocket upgrade.
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

var (
	errMissingToken    = domainError(http.StatusBadRequest, "MISSING_TOKEN", "token query parameter is required", nil)
	errMissingDocument = domainError(http.StatusBadRequest, "MISSING_DOCUMENT", "document_id query parameter is required", nil)
	errUnauthorized    = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errShuttingDown    = domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
	errNotReady        = domainError(http.StatusServiceUnavailable, "DOCUMENT_UNAVAILABLE", "Document could not be opened", nil)
)

var (
	ErrFetch         = errors.New("fetch document state")
	ErrPersist       = errors.New("persist document state")
	ErrAudit         = errors.New("record session event")
	ErrPresence      = errors.New("save presence")
	ErrReplicaClosed = errors.New("replica closed")
)

// AsDomainError extracts the admission error carried by err, if any.
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
