package transport

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/multierr"
)

const (
	h3ALPN            = "h3"
	minStreamWindow   = 512 * 1024
	maxStreamWindow   = 64 * 1024 * 1024
	defaultConnWindow = 16 * 1024 * 1024
)

// HTTP3Options configures the QUIC side of an HTTP/3 fetcher.
type HTTP3Options struct {
	HTTPOptions
	StreamWindow int
	// UDPBufferBytes sizes the socket buffers. Zero means DefaultUDPBuffer.
	UDPBufferBytes     int
	InsecureSkipVerify bool
}

// DefaultQUICConfig returns the client QUIC config used for HTTP/3 fetches.
// streamWindow is clamped to a sane range; the connection window is large
// enough for several concurrent streams.
func DefaultQUICConfig(streamWindow int) *quic.Config {
	stream := streamWindow
	if stream < minStreamWindow {
		stream = minStreamWindow
	}
	if stream > maxStreamWindow {
		stream = maxStreamWindow
	}
	conn := defaultConnWindow
	if conn < 4*stream {
		conn = 4 * stream
	}
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialStreamReceiveWindow:     uint64(stream),
		MaxStreamReceiveWindow:         uint64(stream),
		InitialConnectionReceiveWindow: uint64(conn),
		MaxConnectionReceiveWindow:     uint64(conn),
	}
}

// NewHTTP3Fetcher returns an HTTPFetcher whose client speaks HTTP/3 over
// QUIC. All origins share one UDP socket. The returned close function
// releases the QUIC connections and the socket.
func NewHTTP3Fetcher(opts HTTP3Options) (*HTTPFetcher, func() error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &quicDialer{bufferBytes: opts.UDPBufferBytes, logger: logger}
	tr := &http3.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			NextProtos:         []string{h3ALPN},
		},
		QUICConfig: DefaultQUICConfig(opts.StreamWindow),
		Dial:       dialer.dial,
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpOpts := opts.HTTPOptions
	httpOpts.Client = &http.Client{Transport: tr, Timeout: timeout}
	closeFn := func() error {
		return multierr.Combine(tr.Close(), dialer.close())
	}
	return NewHTTPFetcher(httpOpts), closeFn
}
