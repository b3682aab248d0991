package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/sheerbytes/assetflux/internal/batchsize"
	"github.com/sheerbytes/assetflux/internal/cache"
	"github.com/sheerbytes/assetflux/internal/scheduler"
	"github.com/sheerbytes/assetflux/internal/transport"
)

const envPrefix = "ASSETFLUX_"

// Config holds configuration for the assetflux binary.
type Config struct {
	Manifest  string
	LogLevel  string
	LogFormat string // text | json

	Policy        string
	BatchSize     int
	MinBatch      int
	MaxBatch      int
	MaxConcurrent int
	Retries       int
	RetryBackoff  time.Duration
	Cancel        string // settle | abort
	DispatchRate  float64
	Repeat        int // loads of the same manifest, to exercise the cache

	Cache          bool
	CacheMaxBytes  int64
	CacheRetention time.Duration

	Probe         string // none | static:<type> | throughput | stun[:host:port] | ws(s)://...
	ProbeInterval time.Duration

	HTTP3          bool
	Insecure       bool
	RequestTimeout time.Duration
	TimeScale      float64 // latency multiplier for sim:// resources

	MetricsAddr   string
	Dashboard     bool
	Verbose       bool
	TraceExporter string // none | stdout
}

// Defaults returns the configuration used when neither env nor flags say otherwise.
func Defaults() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		LogLevel:       "info",
		LogFormat:      "text",
		Policy:         string(scheduler.PolicySmart),
		BatchSize:      sc.BatchSize,
		MinBatch:       sc.Bounds.Min,
		MaxBatch:       sc.Bounds.Max,
		MaxConcurrent:  sc.MaxConcurrentRequests,
		Retries:        sc.RetryAttempts,
		RetryBackoff:   200 * time.Millisecond,
		Cancel:         "settle",
		Repeat:         1,
		Cache:          true,
		CacheMaxBytes:  cache.DefaultMaxBytes,
		CacheRetention: cache.DefaultRetention,
		Probe:          "none",
		ProbeInterval:  5 * time.Second,
		RequestTimeout: transport.DefaultRequestTimeout,
		TimeScale:      1,
		TraceExporter:  "none",
	}
}

// ParseConfig parses configuration from environment variables and flags.
// Flags take precedence over environment variables. The first positional
// argument, if any, is the manifest path.
func ParseConfig() (Config, error) {
	return parseConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseConfigWithFlagSet(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Defaults()

	// Read from environment first
	var errs error
	env := envReader{errs: &errs}
	env.str("MANIFEST", &cfg.Manifest)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.str("POLICY", &cfg.Policy)
	env.integer("BATCH_SIZE", &cfg.BatchSize)
	env.integer("MIN_BATCH", &cfg.MinBatch)
	env.integer("MAX_BATCH", &cfg.MaxBatch)
	env.integer("MAX_CONCURRENT", &cfg.MaxConcurrent)
	env.integer("RETRIES", &cfg.Retries)
	env.duration("RETRY_BACKOFF", &cfg.RetryBackoff)
	env.str("CANCEL", &cfg.Cancel)
	env.float("DISPATCH_RATE", &cfg.DispatchRate)
	env.integer("REPEAT", &cfg.Repeat)
	env.boolean("CACHE", &cfg.Cache)
	env.int64("CACHE_MAX_BYTES", &cfg.CacheMaxBytes)
	env.duration("CACHE_RETENTION", &cfg.CacheRetention)
	env.str("PROBE", &cfg.Probe)
	env.duration("PROBE_INTERVAL", &cfg.ProbeInterval)
	env.boolean("HTTP3", &cfg.HTTP3)
	env.boolean("INSECURE", &cfg.Insecure)
	env.duration("TIMEOUT", &cfg.RequestTimeout)
	env.float("TIME_SCALE", &cfg.TimeScale)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)
	env.boolean("DASHBOARD", &cfg.Dashboard)
	env.str("TRACE_EXPORTER", &cfg.TraceExporter)
	if errs != nil {
		return cfg, fmt.Errorf("environment: %w", errs)
	}

	// Flags override environment
	fs.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "path to the YAML resource manifest")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "dispatch policy (insertion, priority, smart, visibility, adaptive)")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "seed batch size")
	fs.IntVar(&cfg.MinBatch, "min-batch", cfg.MinBatch, "lower bound for adaptive batch size")
	fs.IntVar(&cfg.MaxBatch, "max-batch", cfg.MaxBatch, "upper bound for adaptive batch size")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "max concurrent requests")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "retries per failed resource")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "delay before a retry re-enters the pool")
	fs.StringVar(&cfg.Cancel, "cancel", cfg.Cancel, "in-flight behaviour on interrupt (settle, abort)")
	fs.Float64Var(&cfg.DispatchRate, "dispatch-rate", cfg.DispatchRate, "max dispatches per second (0 = unlimited)")
	fs.IntVar(&cfg.Repeat, "repeat", cfg.Repeat, "number of times to load the manifest")
	fs.BoolVar(&cfg.Cache, "cache", cfg.Cache, "reuse payloads across loads")
	fs.Int64Var(&cfg.CacheMaxBytes, "cache-max-bytes", cfg.CacheMaxBytes, "cache memory ceiling in bytes")
	fs.DurationVar(&cfg.CacheRetention, "cache-retention", cfg.CacheRetention, "idle time before a cache entry expires")
	fs.StringVar(&cfg.Probe, "probe", cfg.Probe, "network probe (none, static:<4g|3g|2g|slow-2g>, throughput, stun[:host:port], ws://...)")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "network probe polling interval")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "fetch https resources over HTTP/3")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS verification for HTTP/3")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	fs.Float64Var(&cfg.TimeScale, "time-scale", cfg.TimeScale, "latency multiplier for sim:// resources")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.Dashboard, "dashboard", cfg.Dashboard, "show a live dashboard")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "list every resource in the summary")
	fs.StringVar(&cfg.TraceExporter, "trace-exporter", cfg.TraceExporter, "trace exporter (none, stdout)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Manifest == "" && fs.NArg() > 0 {
		cfg.Manifest = fs.Arg(0)
	}
	if cfg.Repeat < 1 {
		cfg.Repeat = 1
	}
	return cfg, nil
}

// SchedulerConfig converts the CLI view into a scheduler.Config. The result
// still needs Validate.
func (c Config) SchedulerConfig() (scheduler.Config, error) {
	mode, err := scheduler.ParseCancelMode(c.Cancel)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		BatchSize:             c.BatchSize,
		MaxConcurrentRequests: c.MaxConcurrent,
		RetryAttempts:         c.Retries,
		CacheEnabled:          c.Cache,
		Bounds:                batchsize.Bounds{Min: c.MinBatch, Max: c.MaxBatch},
		RetryBackoff:          c.RetryBackoff,
		Cancel:                mode,
		DispatchRate:          c.DispatchRate,
	}, nil
}

// envReader reads ASSETFLUX_-prefixed variables, collecting parse errors.
type envReader struct {
	errs *error
}

func (e envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e envReader) fail(name string, err error) {
	*e.errs = multierr.Append(*e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
}

func (e envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e envReader) int64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e envReader) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}
