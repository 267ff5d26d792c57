package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/codefionn/roomsync/internal/logger"
	"golang.org/x/net/proxy"
)

// streamConn frames messages by newline over a TCP or TLS connection.
type streamConn struct {
	*pump
	conn         net.Conn
	opts         Options
	log          *logger.Logger
	writeMu      sync.Mutex
	maxFrameSize int
}

func dialStream(ctx context.Context, u *url.URL, opts Options) (Conn, error) {
	dialer := proxy.FromEnvironmentUsing(&net.Dialer{Timeout: opts.DialTimeout})

	var (
		raw net.Conn
		err error
	)
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		raw, err = cd.DialContext(ctx, "tcp", u.Host)
	} else {
		raw, err = dialer.Dial("tcp", u.Host)
	}
	if err != nil {
		return nil, err
	}

	if u.Scheme == "tls" {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.TLSConfig != nil {
			cfg = opts.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		raw = tlsConn
	}

	return newStreamConn(raw, opts), nil
}

// NewStreamConn wraps an established net.Conn with newline framing.
func NewStreamConn(conn net.Conn, opts Options) Conn {
	return newStreamConn(conn, opts.withDefaults())
}

func newStreamConn(conn net.Conn, opts Options) *streamConn {
	c := &streamConn{
		conn:         conn,
		opts:         opts,
		log:          opts.Logger,
		maxFrameSize: opts.MaxFrameBytes,
	}
	c.pump = newPump(conn.Close)
	go c.readPump()
	return c
}

// readPump reads newline-delimited frames until the connection fails.
func (c *streamConn) readPump() {
	scanner := bufio.NewScanner(c.conn)
	initial := 64 * 1024
	if initial > c.maxFrameSize {
		initial = c.maxFrameSize
	}
	scanner.Buffer(make([]byte, initial), c.maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		if !c.deliver(frame) {
			return
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = ErrFrameTooLarge
	case err == nil:
		err = io.EOF
	case errors.Is(err, net.ErrClosed) && c.closed():
		return
	}
	if c.fail(err) {
		c.log.Debug("read pump stopped: %v", err)
	}
}

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	if c.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	_ = c.conn.SetWriteDeadline(writeDeadline(ctx, c.opts.WriteTimeout))
	if _, err := c.conn.Write(buf); err != nil {
		if c.fail(err) {
			c.log.Debug("write failed: %v", err)
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
