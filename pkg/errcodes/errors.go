package errcodes

import (
	"fmt"
	"net/http"
)

// Error is a typed error carrying an error-taxonomy tier in Code, plus an
// HTTP status suitable for surfacing on the internal ops endpoint.
type Error struct {
	HTTPCode int
	Message  string
	Code     string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.HTTPCode = err.HTTPCode
	te.Message = err.Message
	te.Code = err.Code
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.HTTPCode == err.HTTPCode &&
		te.Message == err.Message &&
		te.Code == err.Code
}

// Tier reports which of the error-taxonomy tiers this error belongs
// to, so a catch-all handler can branch without string-matching.
func (err *Error) Tier() string {
	switch err.Code {
	case "busy", "transient":
		return "Transient"
	case "not_found", "per_item":
		return "PerItem"
	case "config":
		return "Config"
	case "invariant":
		return "Invariant"
	case "fatal":
		return "Fatal"
	default:
		return ""
	}
}

// NotFound returns a PerItem-tier error indicating the given resource
// could not be located (e.g. a book identifier the library gateway
// could not resolve).
func NotFound(resource string) error {
	return &Error{http.StatusNotFound, resource + " not found.", "not_found"}
}

// Busy returns a Transient-tier error: the named resource (a process
// lock, cwa.db) is held by another caller.
func Busy(resource string) error {
	return &Error{http.StatusConflict, resource + " is busy.", "busy"}
}

// StoreUnavailable returns a Fatal-tier error: the underlying database
// file could not be opened at all.
func StoreUnavailable(reason string) error {
	return &Error{http.StatusServiceUnavailable, "state store unavailable: " + reason, "fatal"}
}

// Transient returns a Transient-tier error for retryable failures other
// than Busy (subprocess preempted, short-lived I/O failure).
func Transient(msg string) error {
	return &Error{http.StatusServiceUnavailable, msg, "transient"}
}

// PerItem returns a PerItem-tier error: terminal for one intake file or
// enforcement event, not for the process.
func PerItem(kind, msg string) error {
	return &Error{http.StatusUnprocessableEntity, fmt.Sprintf("%s: %s", kind, msg), "per_item"}
}

// ConfigError returns a Config-tier error: a missing or invalid setting
// that should fall back to a default rather than crash the loop.
func ConfigError(msg string) error {
	return &Error{http.StatusUnprocessableEntity, msg, "config"}
}

// Invariant returns an Invariant-tier error: an impossible state the
// caller should log and recover from, never propagate as fatal.
func Invariant(msg string) error {
	return &Error{http.StatusInternalServerError, msg, "invariant"}
}

// ValidationError returns a validation failure for a Settings patch or
// install-time config field.
func ValidationError(msg string) error {
	return &Error{http.StatusUnprocessableEntity, msg, "validation_error"}
}
