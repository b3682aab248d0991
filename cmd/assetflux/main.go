package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sheerbytes/assetflux/internal/cache"
	"github.com/sheerbytes/assetflux/internal/config"
	"github.com/sheerbytes/assetflux/internal/logging"
	"github.com/sheerbytes/assetflux/internal/metrics"
	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/internal/observability"
	"github.com/sheerbytes/assetflux/internal/progress"
	"github.com/sheerbytes/assetflux/internal/scheduler"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

const version = "v0.1.0"

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 130
)

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	cfg, err := config.ParseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "assetflux:", err)
		os.Exit(exitUsage)
	}
	os.Exit(run(cfg))
}

func hasVersionFlag(args []string) bool {
	for _, a := range args {
		if a == "--version" || a == "-version" || a == "-v" {
			return true
		}
	}
	return false
}

func run(cfg config.Config) int {
	logger := logging.NewWithWriter(os.Stderr, "assetflux", cfg.LogLevel, cfg.LogFormat)

	if cfg.Manifest == "" {
		fmt.Fprintln(os.Stderr, "assetflux: no manifest given (use -manifest or a positional path)")
		return exitUsage
	}
	manifest, err := resource.LoadManifestFile(cfg.Manifest)
	if err != nil {
		logger.Error("failed to load manifest", "path", cfg.Manifest, "error", err)
		return exitUsage
	}
	policy, err := scheduler.ParsePolicy(cfg.Policy)
	if err != nil {
		logger.Error("invalid policy", "error", err)
		return exitUsage
	}
	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitUsage
	}
	if err := schedCfg.Validate(); err != nil {
		var ce *scheduler.ConfigError
		if errors.As(err, &ce) {
			for _, v := range ce.Violations() {
				logger.Error("invalid configuration", "violation", v)
			}
		} else {
			logger.Error("invalid configuration", "error", err)
		}
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing("assetflux", cfg.TraceExporter, os.Stderr)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return exitUsage
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	nw, err := buildNetwork(cfg.Probe, netcond.AdapterOptions{Interval: cfg.ProbeInterval, Logger: logger})
	if err != nil {
		logger.Error("invalid probe", "error", err)
		return exitUsage
	}
	nw.start(ctx, logger)
	defer nw.stop()

	fetcher, closeFetcher := buildFetcher(cfg, nw.adapter, logger)
	defer func() {
		if err := closeFetcher(); err != nil {
			logger.Debug("transport close failed", "error", err)
		}
	}()

	rc := cache.New(cache.Options{MaxBytes: cfg.CacheMaxBytes, Retention: cfg.CacheRetention})
	collector := metrics.NewCollector()
	collector.WatchCache(rc)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, collector, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// The tracker is per load; the scheduler keeps one relay observer.
	var current atomic.Pointer[progress.Tracker]
	observers := []scheduler.Observer{
		collector,
		scheduler.ObserverFuncs{
			Start: func(e scheduler.Event) {
				if t := current.Load(); t != nil {
					t.OnResourceRequestStart(e)
				}
			},
			Complete: func(e scheduler.Event) {
				if t := current.Load(); t != nil {
					t.OnResourceRequestComplete(e)
				}
			},
		},
	}
	if o := nw.observer(); o != nil {
		observers = append(observers, o)
	}

	sched, err := scheduler.New(fetcher, schedCfg, scheduler.Options{
		Cache:     rc,
		Network:   nw.adapter,
		Observers: observers,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		return exitUsage
	}

	logger.Info("loading manifest",
		"name", manifest.Name,
		"resources", len(manifest.Resources),
		"total_bytes", manifest.TotalBytes,
		"policy", string(policy),
		"network", nw.adapter.Current().String())

	exit := exitOK
	for i := 0; i < cfg.Repeat; i++ {
		title := manifest.Name
		if cfg.Repeat > 1 {
			title = fmt.Sprintf("%s (%d/%d)", manifest.Name, i+1, cfg.Repeat)
		}
		tracker := progress.NewTracker(title, manifest.Resources, schedCfg, nil)
		tracker.SetNetwork(func() string { return nw.adapter.Current().String() })
		current.Store(tracker)

		loadCtx, cancelLoad := context.WithCancel(ctx)
		stopDashboard := func() {}
		if cfg.Dashboard {
			stopDashboard = progress.RunDashboard(loadCtx, os.Stdout, tracker, cancelLoad)
		}
		res, err := sched.Load(loadCtx, manifest.Resources, schedCfg, policy)
		if res != nil {
			tracker.Finish(res)
		}
		stopDashboard()
		cancelLoad()
		if err != nil {
			logger.Error("load rejected", "error", err)
			return exitUsage
		}

		collector.ObserveResult(res)
		progress.Summarize(os.Stdout, res, cfg.Verbose)

		if n := res.Count(scheduler.StatusFailed); n > 0 {
			exit = exitFailed
		}
		if ctx.Err() != nil || res.Count(scheduler.StatusCancelled) > 0 {
			return exitAborted
		}
		if removed := sched.CleanupCache(); removed > 0 {
			logger.Debug("cache cleanup", "removed", removed)
		}
	}
	return exit
}

func serveMetrics(addr string, c *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
