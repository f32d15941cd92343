// Package fsapi is the FamilySearch tree API client: an authenticated
// session with response classification, GedcomX payload parsing, and the
// person-batch partitioner.
package fsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const defaultTimeout = 30 * time.Second

// Session issues authenticated GETs against one API base URL and counts
// every request it sends. Safe for concurrent use.
type Session struct {
	base    string
	token   string
	client  *http.Client
	counter atomic.Uint64
}

// NewSession builds a session against base (e.g. https://familysearch.org)
// authenticating with the given session token. timeout <= 0 selects the
// 30 s default.
func NewSession(base, token string, timeout time.Duration) (*Session, error) {
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid base url %q: %v", base, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Session{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// RequestCount reports how many HTTP requests this session has issued,
// including failed ones.
func (s *Session) RequestCount() uint64 {
	return s.counter.Load()
}

// GetJSON fetches path (relative to the base URL) and decodes the JSON
// body into out. A 204 leaves out untouched and returns nil. Non-2xx
// responses and transport failures come back classified; test with
// errors.Is against ErrAuthExpired, ErrThrottled, ErrPermanent and
// ErrTransient.
func (s *Session) GetJSON(ctx context.Context, path string, out any) error {
	u := s.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", u, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/x-gedcomx-v1+json, application/json")

	s.counter.Add(1)
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: GET %s: %v", ErrTransient, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// A truncated or mangled body from an otherwise healthy
			// server; retrying usually gets a clean copy.
			return fmt.Errorf("%w: decode %s: %v", ErrTransient, u, err)
		}
		return nil
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, URL: u, RetryAfter: retryAfter(resp)}
	}
}
