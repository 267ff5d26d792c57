// Package transport carries framed messages between the client and the room
// server over TCP, TLS or WebSocket connections.
//
// Every connection runs a dedicated read pump; received frames are handed to
// the caller through a channel so Receive never touches the socket. A
// connection closes exactly once, on the first read or write error or on
// Close, and reports that first cause from Err.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/roomsync/internal/logger"
)

// DefaultPort is used when an endpoint omits the port.
const DefaultPort = "3448"

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// ErrFrameTooLarge is the close cause when a peer sends a frame above
// Options.MaxFrameBytes.
var ErrFrameTooLarge = errors.New("transport: frame exceeds size limit")

// ConnectError wraps a failure to establish a connection.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Conn is a bidirectional, framed message connection.
type Conn interface {
	// Send writes one frame. It must not contain a newline.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives or the connection closes.
	Receive() ([]byte, error)
	// Done is closed once the connection is closed.
	Done() <-chan struct{}
	// Err reports why the connection closed, or nil while it is open.
	Err() error
	Close() error
}

// Options configures Dial.
type Options struct {
	TLSConfig     *tls.Config
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int
	Logger        *logger.Logger
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		DialTimeout:   15 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: 32 << 20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = def.MaxFrameBytes
	}
	if o.Logger == nil {
		o.Logger = logger.Global().WithPrefix("transport")
	}
	return o
}

// Dial connects to endpoint. Supported schemes are tcp, tls, ws and wss; an
// endpoint without a scheme is treated as tls. TLS handshakes complete before
// Dial returns.
func Dial(ctx context.Context, endpoint string, opts Options) (Conn, error) {
	opts = opts.withDefaults()

	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var conn Conn
	switch u.Scheme {
	case "tcp", "tls":
		conn, err = dialStream(dialCtx, u, opts)
	case "ws", "wss":
		conn, err = dialWebsocket(dialCtx, u, opts)
	}
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	opts.Logger.Debug("connected to %s", u.Redacted())
	return conn, nil
}

// ParseEndpoint validates endpoint and fills in the default scheme and port.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, errors.New("empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "tls://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tls":
		if u.Host == "" {
			return nil, fmt.Errorf("endpoint %q has no host", endpoint)
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
		}
	case "ws", "wss":
		if u.Host == "" {
			return nil, fmt.Errorf("endpoint %q has no host", endpoint)
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// pump holds the state shared by every Conn implementation: the frame
// channel fed by the read pump and the close-once bookkeeping.
type pump struct {
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	closeFn func() error
}

func newPump(closeFn func() error) *pump {
	return &pump{
		frames:  make(chan []byte, 64),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// fail closes the connection with cause err. Only the first call has any
// effect; it reports whether this call closed the connection.
func (p *pump) fail(err error) bool {
	first := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		first = true
	})
	if first && p.closeFn != nil {
		_ = p.closeFn()
	}
	return first
}

// deliver hands a received frame to Receive, giving up if the connection
// closes first.
func (p *pump) deliver(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	case <-p.done:
		return false
	}
}

func (p *pump) Receive() ([]byte, error) {
	select {
	case frame := <-p.frames:
		return frame, nil
	case <-p.done:
		select {
		case frame := <-p.frames:
			return frame, nil
		default:
		}
		return nil, p.Err()
	}
}

func (p *pump) Done() <-chan struct{} { return p.done }

func (p *pump) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *pump) Close() error {
	p.fail(ErrClosed)
	return nil
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// writeDeadline picks the earlier of the context deadline and the write timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
