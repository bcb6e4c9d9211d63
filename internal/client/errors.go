package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the jakeops API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("jakeops: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409: an illegal transition or a
// phase that is already running.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsNotConfigured reports whether err is a 503 from a feature the server
// was started without.
func IsNotConfigured(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }
