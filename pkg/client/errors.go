package client

import (
	"errors"
	"fmt"
)

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is an RFC 7807 problem returned by the API.
type Error struct {
	Status int          `json:"status"`
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors,omitempty"`
	Issues []Issue      `json:"issues,omitempty"`

	body []byte
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("fieldkit: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("fieldkit: %d %s", e.Status, e.Title)
}

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}
