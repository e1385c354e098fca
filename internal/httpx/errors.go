package httpx

import (
	"net/http"

	"github.com/sundayezeilo/shortlink/internal/errx"
)

// ErrorKindToStatus maps errx.Kind to HTTP status codes.
func ErrorKindToStatus(kind errx.Kind) int {
	switch kind {
	case errx.NotFound:
		return http.StatusNotFound
	case errx.Conflict:
		return http.StatusConflict
	case errx.Invalid:
		return http.StatusBadRequest
	case errx.Unauthorized:
		return http.StatusUnauthorized
	case errx.Forbidden:
		return http.StatusForbidden
	case errx.Unavailable:
		return http.StatusServiceUnavailable
	case errx.LimitExceeded:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindToCode maps errx.Kind to error codes for JSON responses.
func ErrorKindToCode(kind errx.Kind) string {
	switch kind {
	case errx.NotFound:
		return "not_found"
	case errx.Conflict:
		return "conflict"
	case errx.Invalid:
		return "invalid_input"
	case errx.Unauthorized:
		return "unauthorized"
	case errx.Forbidden:
		return "forbidden"
	case errx.Unavailable:
		return "unavailable"
	case errx.LimitExceeded:
		return "limit_exceeded"
	default:
		return "internal_error"
	}
}

// WriteKindError writes the status and code for err's kind. Internal and
// unknown errors never leak their message.
func WriteKindError(w http.ResponseWriter, err error) {
	kind := errx.KindOf(err)
	status := ErrorKindToStatus(kind)

	msg := http.StatusText(status)
	if status < http.StatusInternalServerError && kind != errx.Unknown {
		msg = err.Error()
	}
	WriteError(w, status, ErrorKindToCode(kind), msg, nil)
}
