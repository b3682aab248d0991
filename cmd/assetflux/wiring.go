package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sheerbytes/assetflux/internal/config"
	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/internal/scheduler"
	"github.com/sheerbytes/assetflux/internal/transport"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

var errSimulatedFailure = errors.New("simulated failure")

// network bundles the adapter with whatever feeds it.
type network struct {
	adapter    *netcond.Adapter
	throughput *netcond.ThroughputProbe
	feed       *netcond.WSFeed
}

// buildNetwork turns a -probe value into an adapter. Accepted values:
//
//	none | static:<slow-2g|2g|3g|4g> | throughput | stun[:host:port] | ws://... | wss://...
func buildNetwork(arg string, opts netcond.AdapterOptions) (*network, error) {
	arg = strings.TrimSpace(arg)
	lower := strings.ToLower(arg)
	n := &network{}
	switch {
	case lower == "" || lower == "none":
		n.adapter = netcond.NewAdapter(nil, opts)
	case strings.HasPrefix(lower, "static:"):
		s, err := netcond.Preset(arg[len("static:"):])
		if err != nil {
			return nil, err
		}
		n.adapter = netcond.NewAdapter(netcond.StaticProbe{S: s}, opts)
	case lower == "throughput":
		n.throughput = netcond.NewThroughputProbe(opts.Clock)
		n.adapter = netcond.NewAdapter(n.throughput, opts)
	case lower == "stun" || strings.HasPrefix(lower, "stun:"):
		n.throughput = netcond.NewThroughputProbe(opts.Clock)
		p := &netcond.STUNProbe{Downlink: n.throughput.Downlink, Logger: opts.Logger}
		if server := strings.TrimPrefix(arg[len("stun"):], ":"); server != "" {
			if _, _, err := net.SplitHostPort(server); err != nil {
				return nil, fmt.Errorf("probe %q: %w", arg, err)
			}
			p.Servers = []string{server}
		}
		n.adapter = netcond.NewAdapter(p, opts)
	case strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://"):
		n.adapter = netcond.NewAdapter(nil, opts)
		n.feed = netcond.NewWSFeed(arg, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown probe %q", arg)
	}
	return n, nil
}

// start begins polling or streaming. Polling takes its first sample before
// returning.
func (n *network) start(ctx context.Context, logger *slog.Logger) {
	if n.feed != nil {
		go func() {
			if err := n.feed.Run(ctx, n.adapter); err != nil && ctx.Err() == nil {
				logger.Warn("network feed stopped", "error", err)
			}
		}()
		return
	}
	n.adapter.Start(ctx)
}

func (n *network) stop() {
	n.adapter.Stop()
}

// observer feeds completed fetches into the throughput probe, if one is in use.
func (n *network) observer() scheduler.Observer {
	if n.throughput == nil {
		return nil
	}
	return scheduler.ObserverFuncs{
		Complete: func(e scheduler.Event) {
			if e.Status == scheduler.StatusSucceeded && e.Bytes > 0 {
				n.throughput.Observe(e.Bytes, e.Duration)
			}
		},
	}
}

// buildFetcher routes http(s) to the HTTP or HTTP/3 fetcher and sim:// to the
// simulator driven by the adapter. The close function releases transports.
func buildFetcher(cfg config.Config, adapter *netcond.Adapter, logger *slog.Logger) (transport.Fetcher, func() error) {
	httpOpts := transport.HTTPOptions{
		Timeout:   cfg.RequestTimeout,
		UserAgent: "assetflux/" + version,
		Logger:    logger,
	}
	route := transport.Route{}
	closeFn := func() error { return nil }

	plain := transport.NewHTTPFetcher(httpOpts)
	route["http"] = plain
	route["https"] = plain
	if cfg.HTTP3 {
		h3, closeH3 := transport.NewHTTP3Fetcher(transport.HTTP3Options{
			HTTPOptions:        httpOpts,
			InsecureSkipVerify: cfg.Insecure,
		})
		route["https"] = h3
		closeFn = closeH3
	}

	route["sim"] = transport.NewSimulated(transport.SimulatedOptions{
		Network:   adapter.Current,
		TimeScale: cfg.TimeScale,
		Fail:      simFailures,
	})
	return route, closeFn
}

// simFailures fails the first n attempts of a sim:// resource whose URL
// carries ?fail=n.
func simFailures(d resource.Descriptor, attempt int) error {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil
	}
	n, err := strconv.Atoi(u.Query().Get("fail"))
	if err != nil || attempt > n {
		return nil
	}
	return fmt.Errorf("%w: attempt %d of %s", errSimulatedFailure, attempt, d.ID)
}
