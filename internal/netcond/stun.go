package netcond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pion/stun"
)

// DefaultStunServers is used when a STUNProbe names no servers.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNProbe measures round-trip time with a STUN binding request. The
// downlink comes from Downlink when set, otherwise from the RTT class.
type STUNProbe struct {
	Servers  []string
	Timeout  time.Duration
	Downlink func() (float64, bool)
	Logger   *slog.Logger
}

func (p *STUNProbe) Sample(ctx context.Context) (Sample, error) {
	servers := p.Servers
	if len(servers) == 0 {
		servers = DefaultStunServers
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, server := range servers {
		rtt, err := stunRoundTrip(ctx, strings.TrimPrefix(server, "stun:"), timeout)
		if err != nil {
			logger.Debug("stun probe failed", "server", server, "error", err)
			errs = append(errs, err)
			continue
		}
		s := Sample{
			ConnectionType: TypeForRTT(rtt),
			RTTMs:          float64(rtt) / float64(time.Millisecond),
		}
		if p.Downlink != nil {
			if mbps, ok := p.Downlink(); ok {
				s.DownlinkMbps = mbps
			}
		}
		if s.DownlinkMbps == 0 {
			s.DownlinkMbps = downlinkForType(s.ConnectionType)
		}
		return s.Normalize(), nil
	}
	return Sample{}, fmt.Errorf("%w: all STUN servers failed: %w", ErrProbeUnavailable, errors.Join(errs...))
}

func stunRoundTrip(ctx context.Context, server string, timeout time.Duration) (time.Duration, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", server, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	start := time.Now()
	if _, err := conn.WriteToUDP(req.Raw, addr); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type.Method != stun.MethodBinding || res.Type.Class != stun.ClassSuccessResponse {
			return 0, fmt.Errorf("unexpected stun response %s", res.Type)
		}
		return time.Since(start), nil
	}
}

func downlinkForType(t ConnectionType) float64 {
	if t == ConnUnknown {
		return DefaultSample().DownlinkMbps
	}
	s, err := Preset(string(t))
	if err != nil {
		return DefaultSample().DownlinkMbps
	}
	return s.DownlinkMbps
}
