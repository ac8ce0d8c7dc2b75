package app

import (
	"fmt"
	"net/http"
)

// DomainError is a client-visible error carrying an HTTP status and a
// stable machine-readable code.
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func contentNotFound() *DomainError {
	return domainError(http.StatusNotFound, "CONTENT_NOT_FOUND", "Content not found", nil)
}

func sectionNotFound(sectionID string) *DomainError {
	return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Section not found", map[string]any{"sectionId": sectionID})
}

func sourceNotFound() *DomainError {
	return domainError(http.StatusNotFound, "SOURCE_NOT_FOUND", "Source not found", nil)
}

func generationFailure(message string) *DomainError {
	return domainError(http.StatusBadGateway, "GENERATION_FAILURE", message, nil)
}
