// Package common defines the error taxonomy and small helpers shared by the
// attachment client layers. Callers should use errors.Is to match the
// sentinel values; transport layers wrap them together with a *StatusError
// when an HTTP status is available.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Store errors.
	ErrNotFound             = errors.New("not found")
	ErrStorageCorruption    = errors.New("storage corruption")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrImmutableContentType = errors.New("content type is immutable")

	// Cipher errors.
	ErrIntegrity = errors.New("integrity check failed")
	ErrTooLarge  = errors.New("payload too large")

	// Transfer errors. Only ErrTransientNetwork is retried.
	ErrMalformedForm    = errors.New("malformed upload form")
	ErrUploadRejected   = errors.New("upload rejected")
	ErrDownloadRejected = errors.New("download rejected")
	ErrTransientNetwork = errors.New("transient network error")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrCancelled is returned when the caller gave up on an operation.
	ErrCancelled = errors.New("cancelled")
)

// StatusError carries the HTTP status of a failed remote call.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Body)
}

// ClassifyStatus maps a non-2xx status to the taxonomy: 5xx, 408 and 429
// are transient, any other 4xx becomes rejected. 401/403 additionally match
// ErrUnauthorized.
func ClassifyStatus(op string, code int, body string, rejected error) error {
	se := &StatusError{Op: op, Code: code, Body: body}
	switch {
	case code >= 500:
		return fmt.Errorf("%w: %w", ErrTransientNetwork, se)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w: %w", ErrUnauthorized, rejected, se)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrTransientNetwork, se)
	default:
		return fmt.Errorf("%w: %w", rejected, se)
	}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
