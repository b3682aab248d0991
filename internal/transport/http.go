package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sheerbytes/assetflux/internal/bufpool"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 32 * 1024 * 1024
)

// HTTPOptions configures an HTTPFetcher. Zero values select defaults.
type HTTPOptions struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
	Pool         *bufpool.Pool
	UserAgent    string
	Logger       *slog.Logger
}

// HTTPFetcher issues a GET per resource.
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
	pool         *bufpool.Pool
	userAgent    string
	logger       *slog.Logger
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Pool == nil {
		opts.Pool = bufpool.New(bufpool.DefaultChunkSize)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "assetflux"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPFetcher{
		client:       opts.Client,
		maxBodyBytes: opts.MaxBodyBytes,
		pool:         opts.Pool,
		userAgent:    opts.UserAgent,
		logger:       opts.Logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, 0, NewError(d, 0, fmt.Errorf("create request: %w", err), false)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, NewError(d, 0, ctxErr, false)
		}
		return nil, 0, NewError(d, 0, fmt.Errorf("send request: %w", err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, 0, NewError(d, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)), StatusRetryable(resp.StatusCode))
	}
	if resp.ContentLength > f.maxBodyBytes {
		return nil, 0, NewError(d, resp.StatusCode, fmt.Errorf("%w: content-length %d", bufpool.ErrTooLarge, resp.ContentLength), false)
	}

	body, err := f.pool.ReadAll(resp.Body, f.maxBodyBytes, resp.ContentLength)
	if err != nil {
		if errors.Is(err, bufpool.ErrTooLarge) {
			return nil, 0, NewError(d, resp.StatusCode, err, false)
		}
		return nil, 0, NewError(d, resp.StatusCode, fmt.Errorf("read body: %w", err), ctx.Err() == nil)
	}
	f.logger.Debug("fetched", "resource_id", d.ID, "bytes", len(body), "proto", resp.Proto)
	return body, int64(len(body)), nil
}
