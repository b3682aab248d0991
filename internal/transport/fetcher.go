// Package transport retrieves resource payloads. The scheduler only sees the
// Fetcher interface; this package ships HTTP, HTTP/3 and simulated fetchers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sheerbytes/assetflux/pkg/resource"
)

// Fetcher retrieves one resource. It returns the payload and the number of
// bytes it accounts for, which may differ from len(payload) when a fetcher
// discards the body.
type Fetcher interface {
	Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error)
}

type FetcherFunc func(ctx context.Context, d resource.Descriptor) ([]byte, int64, error)

func (f FetcherFunc) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	return f(ctx, d)
}

var ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")

// Error is a failed fetch. StatusCode is zero for failures below HTTP.
type Error struct {
	ResourceID string
	URL        string
	StatusCode int
	Err        error
	retryable  bool
}

// NewError wraps err for d. retryable marks failures worth another attempt.
func NewError(d resource.Descriptor, status int, err error, retryable bool) *Error {
	return &Error{ResourceID: d.ID, URL: d.URL, StatusCode: status, Err: err, retryable: retryable}
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.ResourceID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.ResourceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.retryable }

// StatusRetryable reports whether an HTTP status is worth retrying.
func StatusRetryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Retryable reports whether err should be retried. Context cancellation is
// never retryable; errors that do not say otherwise are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Route dispatches by URL scheme.
type Route map[string]Fetcher

func (r Route) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, 0, NewError(d, 0, fmt.Errorf("parse url: %w", err), false)
	}
	f, ok := r[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, 0, NewError(d, 0, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme), false)
	}
	return f.Fetch(ctx, d)
}
