package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotAuthenticated is returned by calls that need a session before Login succeeded.
	ErrNotAuthenticated = errors.New("not authenticated - please login first")
	// ErrAuthFailed is returned when the vendor rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSessionExpired marks a request the vendor refused because the session is gone.
	ErrSessionExpired = errors.New("session expired")
	// ErrRefreshSuppressed is returned by Details while the post-control quiet window is open.
	ErrRefreshSuppressed = errors.New("status refresh suppressed after recent control")
)

// APIError is a well-formed vendor response that reports failure.
type APIError struct {
	Op   string
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (code %s)", e.Op, e.Msg, e.Code)
}

// HTTPError is a non-200 answer from the vendor endpoint.
type HTTPError struct {
	Op     string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP error %d", e.Op, e.Status)
}

// isSessionError reports whether err means the session cookie is no longer accepted.
func isSessionError(err error) bool {
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.Code == "401" || ae.Code == "403" {
			return true
		}
		return strings.Contains(strings.ToLower(ae.Msg), "login") || strings.Contains(ae.Msg, "登录")
	}
	return false
}
