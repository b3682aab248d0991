package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
)

const (
	DefaultUDPBuffer = 8 * 1024 * 1024
	minUDPBuffer     = 256 * 1024
	maxUDPBuffer     = 64 * 1024 * 1024
)

const (
	TuneOK     = "ok"
	TuneDenied = "denied"
	TuneNA     = "n/a"
)

// UDPTuneResult reports what was asked of the kernel. The OS may still cap
// the buffers below Requested.
type UDPTuneResult struct {
	Requested int
	Status    string
	Err       string
}

// TuneUDPBuffers sets the socket read and write buffers to n, clamped.
// Failures are reported, never fatal.
func TuneUDPBuffers(conn *net.UDPConn, n int) UDPTuneResult {
	res := UDPTuneResult{Requested: clampUDPBuffer(n), Status: TuneOK}
	if conn == nil {
		res.Status = TuneNA
		res.Err = "no access to underlying UDPConn"
		return res
	}
	var errs []string
	if err := conn.SetReadBuffer(res.Requested); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(res.Requested); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		res.Status = TuneDenied
		res.Err = strings.Join(errs, "; ")
	}
	return res
}

func clampUDPBuffer(n int) int {
	if n <= 0 {
		return DefaultUDPBuffer
	}
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}

// quicDialer dials every HTTP/3 origin over one tuned UDP socket. The socket
// is opened on first use.
type quicDialer struct {
	bufferBytes int
	logger      *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	tr   *quic.Transport
}

func (d *quicDialer) transport() (*quic.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr != nil {
		return d.tr, nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	res := TuneUDPBuffers(conn, d.bufferBytes)
	if res.Status != TuneOK {
		d.logger.Debug("udp buffer tuning incomplete", "requested", res.Requested, "status", res.Status, "error", res.Err)
	}
	d.conn = conn
	d.tr = &quic.Transport{Conn: conn}
	return d.tr, nil
}

func (d *quicDialer) dial(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	tr, err := d.transport()
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	return tr.DialEarly(ctx, raddr, tlsCfg, cfg)
}

func (d *quicDialer) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr == nil {
		return nil
	}
	err := multierr.Combine(d.tr.Close(), d.conn.Close())
	d.tr, d.conn = nil, nil
	return err
}
