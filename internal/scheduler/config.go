package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/sheerbytes/assetflux/internal/batchsize"
)

// ErrInvalidConfig matches every *ConfigError via errors.Is.
var ErrInvalidConfig = errors.New("scheduler: invalid config")

// CancelMode selects what happens to in-flight fetches when a load's context
// is cancelled. Undispatched items are cancelled in both modes.
type CancelMode int

const (
	// CancelLetSettle lets in-flight fetches finish and records their
	// outcome. No retry starts after cancellation.
	CancelLetSettle CancelMode = iota
	// CancelAbort cancels in-flight fetches too.
	CancelAbort
)

func (m CancelMode) String() string {
	switch m {
	case CancelAbort:
		return "abort"
	default:
		return "settle"
	}
}

func ParseCancelMode(s string) (CancelMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "settle", "let-settle":
		return CancelLetSettle, nil
	case "abort":
		return CancelAbort, nil
	default:
		return 0, fmt.Errorf("unknown cancel mode %q", s)
	}
}

// Config is snapshotted at the start of every load.
type Config struct {
	// BatchSize seeds the working batch size.
	BatchSize int
	// MaxConcurrentRequests caps in-flight fetches regardless of batch size.
	MaxConcurrentRequests int
	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int
	CacheEnabled  bool

	// Bounds limits adaptive sizing. The zero value means batchsize.DefaultBounds.
	Bounds       batchsize.Bounds
	RetryBackoff time.Duration
	Cancel       CancelMode
	// DispatchRate caps dispatches per second; zero is unlimited.
	DispatchRate float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:             10,
		MaxConcurrentRequests: 6,
		RetryAttempts:         2,
		CacheEnabled:          true,
		Bounds:                batchsize.DefaultBounds(),
	}
}

func (c Config) withDefaults() Config {
	if c.Bounds == (batchsize.Bounds{}) {
		c.Bounds = batchsize.DefaultBounds()
	}
	return c
}

// ConfigError lists every violation found in a Config or a resource set.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidConfig, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// Violations returns the individual problems.
func (e *ConfigError) Violations() []error { return multierr.Errors(e.Err) }

// Validate checks c without modifying it. Nothing is clamped.
func (c Config) Validate() error {
	c = c.withDefaults()
	var err error
	if c.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("batch size %d < 1", c.BatchSize))
	}
	if c.MaxConcurrentRequests < 1 {
		err = multierr.Append(err, fmt.Errorf("max concurrent requests %d < 1", c.MaxConcurrentRequests))
	}
	if c.RetryAttempts < 0 {
		err = multierr.Append(err, fmt.Errorf("retry attempts %d < 0", c.RetryAttempts))
	}
	if c.RetryBackoff < 0 {
		err = multierr.Append(err, fmt.Errorf("retry backoff %s < 0", c.RetryBackoff))
	}
	if c.DispatchRate < 0 {
		err = multierr.Append(err, fmt.Errorf("dispatch rate %v < 0", c.DispatchRate))
	}
	if c.Cancel != CancelLetSettle && c.Cancel != CancelAbort {
		err = multierr.Append(err, fmt.Errorf("unknown cancel mode %d", int(c.Cancel)))
	}
	err = multierr.Append(err, c.Bounds.Validate())
	if err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}
