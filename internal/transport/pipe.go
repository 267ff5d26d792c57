package transport

import (
	"context"
	"io"
)

// pipeConn is one end of an in-memory connection pair.
type pipeConn struct {
	*pump
	peer *pipeConn
}

// Pipe returns two connected in-memory Conns. Frames sent on one are
// received on the other; closing either end closes both, the peer seeing
// io.EOF.
func Pipe() (Conn, Conn) {
	a, b := &pipeConn{}, &pipeConn{}
	a.peer, b.peer = b, a
	a.pump = newPump(func() error { b.fail(io.EOF); return nil })
	b.pump = newPump(func() error { a.fail(io.EOF); return nil })
	return a, b
}

func (c *pipeConn) Send(ctx context.Context, frame []byte) error {
	if c.closed() {
		return ErrClosed
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case c.peer.frames <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
