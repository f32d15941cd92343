package fsapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Failure classes for outbound requests. Callers branch on these with
// errors.Is; the concrete *StatusError carries the HTTP detail.
var (
	// ErrAuthExpired: the session token was rejected (401). Fatal for
	// the run.
	ErrAuthExpired = errors.New("session authorization expired")

	// ErrThrottled: the server asked us to slow down (429) or failed
	// transiently on its side (5xx). Retry through the rate controller.
	ErrThrottled = errors.New("request throttled")

	// ErrPermanent: a 4xx that retrying will not fix.
	ErrPermanent = errors.New("permanent request failure")

	// ErrTransient: network or timeout failure before a response
	// arrived. Retry up to the configured ceiling.
	ErrTransient = errors.New("transient request failure")
)

// StatusError is a non-2xx HTTP response, classified.
type StatusError struct {
	Code       int
	URL        string
	RetryAfter time.Duration // from Retry-After, if the server sent one
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.Code == http.StatusTooManyRequests || e.Code >= 500:
		return ErrThrottled
	default:
		return ErrPermanent
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
