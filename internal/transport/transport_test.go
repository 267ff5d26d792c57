package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"floobits.example:3448", "tls://floobits.example:3448", false},
		{"floobits.example", "tls://floobits.example:3448", false},
		{"tcp://127.0.0.1:9000", "tcp://127.0.0.1:9000", false},
		{"wss://example.com/room", "wss://example.com/room", false},
		{"http://example.com", "", true},
		{"tcp://", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		u, err := ParseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, u.String())
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	for _, f := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, []byte(f)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}
	assert.ErrorIs(t, a.Err(), ErrClosed)
	assert.ErrorIs(t, b.Err(), io.EOF)

	_, err := b.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestStreamConnFraming(t *testing.T) {
	client, server := net.Pipe()
	conn := NewStreamConn(client, Options{MaxFrameBytes: 1024})
	defer conn.Close()

	go func() {
		_, _ = server.Write([]byte("{\"name\":\"ping\"}\n\n{\"name\":\"msg\"}\r\n"))
	}()

	first, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ping"}`, string(first))
	second, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"msg"}`, string(second))

	reader := bufio.NewReader(server)
	go func() { _ = conn.Send(context.Background(), []byte(`{"name":"pong"}`)) }()
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"name\":\"pong\"}\n", line)
}

func TestStreamConnRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	conn := NewStreamConn(client, Options{MaxFrameBytes: 16})

	go func() {
		_, _ = server.Write([]byte(strings.Repeat("x", 64) + "\n"))
	}()

	_, err := conn.Receive()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, conn.Err(), ErrFrameTooLarge)
}

func TestStreamConnPeerClose(t *testing.T) {
	client, server := net.Pipe()
	conn := NewStreamConn(client, Options{})
	require.NoError(t, server.Close())

	_, err := conn.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			return
		}
		_, _ = c.Write([]byte(line))
	}()

	conn, err := Dial(context.Background(), "tcp://"+ln.Addr().String(), Options{DialTimeout: time.Second})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), []byte(`{"name":"auth"}`)))
	echo, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"auth"}`, string(echo))
}

func TestDialFailureIsConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), "tcp://"+addr, Options{DialTimeout: time.Second})
	var connErr *ConnectError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Equal(t, "tcp://"+addr, connErr.Endpoint)
}

func TestDialWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), endpoint, Options{DialTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, conn.Send(context.Background(), []byte(`{"name":"ping"}`)))
	echo, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ping"}`, string(echo))

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Err(), ErrClosed)
}
