package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the coarse failure class feature code branches on.
type Kind string

const (
	KindNone       Kind = ""
	KindAuth       Kind = "auth"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindJobFailed  Kind = "job_failed"
	KindValidation Kind = "validation"
	KindOther      Kind = "other"
)

var (
	// ErrUnauthorized marks a request or channel rejected for missing or expired credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned by the login endpoint instead of ErrUnauthorized.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrConflict           = errors.New("conflict")
	ErrTransient          = errors.New("transient failure")
	ErrJobFailed          = errors.New("job failed")
	ErrValidation         = errors.New("validation failed")
)

// StatusError is a non-2xx upstream response that is not auth or conflict.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// Classify maps any error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrJobFailed):
		return KindJobFailed
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var se *StatusError
	if errors.As(err, &se) {
		if IsRetryableHTTPStatus(se.Code) {
			return KindTransient
		}
		return KindOther
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindOther
}

// IsAuth reports whether err must be routed to the unauthorized-session handling.
func IsAuth(err error) bool {
	return Classify(err) == KindAuth
}

// IsRetryableHTTPStatus classifies HTTP status codes worth a user-initiated retry.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
