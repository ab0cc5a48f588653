package recordstore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrConfiguration means the backend location is missing or does not
	// speak the API. It is a blocking error, not a per-action one.
	ErrConfiguration = errors.New("backend is not configured")

	// ErrUnauthenticated means the caller has to sign in again.
	ErrUnauthenticated = errors.New("not signed in")
)

// configHint is appended to configuration errors.
const configHint = "check ESCROWSYNC_API_URL"

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Is lets a 401 match ErrUnauthenticated.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthenticated && e.Status == http.StatusUnauthorized
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Text returns the backend's own wording: the message field, else the
// error field.
func (e *APIError) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// transportError is a request that never produced a response.
type transportError struct {
	err error
}

func (e *transportError) Error() string   { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Temporary() bool { return true }

// WithConfigHint appends the configuration hint to msg. Views use it for
// load failures, which usually mean the client points at the wrong backend.
func WithConfigHint(msg string) string {
	if msg == "" || strings.Contains(msg, configHint) {
		return msg
	}
	return msg + "; " + configHint
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s; %s", ErrConfiguration, fmt.Sprintf(format, args...), configHint)
}

// UserMessage returns the text to show for err: the backend message when
// the backend sent one, else fallback. Configuration errors keep their hint.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if text := apiErr.Text(); text != "" {
			return text
		}
		return fallback
	}
	if errors.Is(err, ErrConfiguration) {
		return err.Error()
	}
	return fallback
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsUnauthenticated reports whether err means the user must sign in.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}
