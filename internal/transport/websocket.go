package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/roomsync/internal/logger"
	"github.com/gorilla/websocket"
)

// wsConn carries one message per WebSocket text frame.
type wsConn struct {
	*pump
	conn    *websocket.Conn
	opts    Options
	log     *logger.Logger
	writeMu sync.Mutex
}

func dialWebsocket(ctx context.Context, u *url.URL, opts Options) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	if u.Scheme == "wss" {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.TLSConfig != nil {
			cfg = opts.TLSConfig.Clone()
		}
		dialer.TLSClientConfig = cfg
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return newWSConn(conn, opts), nil
}

func newWSConn(conn *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		conn: conn,
		opts: opts,
		log:  opts.Logger,
	}
	c.pump = newPump(c.shutdown)
	conn.SetReadLimit(int64(opts.MaxFrameBytes))
	go c.readPump()
	return c
}

func (c *wsConn) readPump() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				err = ErrFrameTooLarge
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error: %v", err)
			}
			c.fail(err)
			return
		}
		if len(message) == 0 {
			continue
		}
		if !c.deliver(message) {
			return
		}
	}
}

// shutdown sends a best-effort close frame before dropping the socket.
func (c *wsConn) shutdown() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(writeDeadline(ctx, c.opts.WriteTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()

	if err != nil {
		if c.fail(err) {
			c.log.Debug("websocket write failed: %v", err)
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
