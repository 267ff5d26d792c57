package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/protocol"
	"github.com/codefionn/roomsync/internal/reconnect"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/securemem"
	"github.com/codefionn/roomsync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var allPerms = []string{"patch", "get_buf", "set_buf", "create_buf", "delete_buf", "rename_buf", "highlight"}

// fakeServer is the far end of a pipe handed to the session.
type fakeServer struct {
	t      *testing.T
	conn   transport.Conn
	frames chan protocol.Message
}

func newFakeServer(t *testing.T, conn transport.Conn) *fakeServer {
	f := &fakeServer{t: t, conn: conn, frames: make(chan protocol.Message, 256)}
	go func() {
		defer close(f.frames)
		for {
			frame, err := conn.Receive()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				t.Errorf("client sent bad frame %q: %v", frame, err)
				return
			}
			f.frames <- msg
		}
	}()
	return f
}

func (f *fakeServer) expect(kind string) protocol.Message {
	f.t.Helper()
	select {
	case msg, ok := <-f.frames:
		require.True(f.t, ok, "connection closed while waiting for %s", kind)
		require.Equal(f.t, kind, msg.Kind())
		return msg
	case <-time.After(waitTimeout):
		f.t.Fatalf("timed out waiting for %s", kind)
		return nil
	}
}

func (f *fakeServer) expectNone(d time.Duration) {
	f.t.Helper()
	select {
	case msg, ok := <-f.frames:
		if ok {
			f.t.Fatalf("unexpected %s frame", msg.Kind())
		}
	case <-time.After(d):
	}
}

func (f *fakeServer) send(msg protocol.Message) {
	f.t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(f.t, err)
	f.sendRaw(string(frame))
}

func (f *fakeServer) sendRaw(frame string) {
	f.t.Helper()
	require.NoError(f.t, f.conn.Send(context.Background(), []byte(frame)))
}

type recordingEditor struct {
	events chan string
}

func newRecordingEditor() *recordingEditor {
	return &recordingEditor{events: make(chan string, 256)}
}

func (e *recordingEditor) OnRemoteContentChanged(path, text string) {
	e.events <- "changed " + path + " " + text
}
func (e *recordingEditor) OnBufferCreated(path, text string) { e.events <- "created " + path + " " + text }
func (e *recordingEditor) OnBufferDeleted(path string)       { e.events <- "deleted " + path }
func (e *recordingEditor) OnBufferRenamed(oldPath, newPath string) {
	e.events <- "renamed " + oldPath + " " + newPath
}
func (e *recordingEditor) OnPresenceChanged(user room.User, cursor Cursor) {
	e.events <- fmt.Sprintf("presence %s %s %v left=%v", user.Username, cursor.Path, cursor.Ranges, cursor.Left)
}
func (e *recordingEditor) OnStatusMessage(text string) { e.events <- "status " + text }
func (e *recordingEditor) OnErrorMessage(text string)  { e.events <- "error " + text }

func (e *recordingEditor) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-e.events:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for editor event %q", want)
	}
}

func (e *recordingEditor) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-e.events:
		t.Fatalf("unexpected editor event %q", got)
	case <-time.After(d):
	}
}

type harness struct {
	t       *testing.T
	session *Session
	editor  *recordingEditor
	metrics *Metrics
	servers chan *fakeServer
	dials   atomic.Int32
}

func newHarness(t *testing.T, opts Options) *harness {
	h := &harness{
		t:       t,
		editor:  newRecordingEditor(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		servers: make(chan *fakeServer, 8),
	}
	opts.Editor = h.editor
	opts.Logger = logger.Discard()
	opts.Metrics = h.metrics
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, endpoint string, _ transport.Options) (transport.Conn, error) {
			h.dials.Add(1)
			client, server := transport.Pipe()
			h.servers <- newFakeServer(t, server)
			return client, nil
		}
	}
	if opts.Reconnect.Initial == 0 {
		opts.Reconnect = reconnect.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3}
	}
	h.session = New(opts)
	t.Cleanup(func() {
		h.session.RequestLeave()
		h.session.Wait()
	})
	return h
}

func (h *harness) request() JoinRequest {
	return JoinRequest{
		Endpoint:    "tcp://rooms.test",
		Credentials: Credentials{Username: "alice"},
		Room:        RoomRef{Owner: "alice", Name: "demo"},
	}
}

func (h *harness) server() *fakeServer {
	h.t.Helper()
	select {
	case srv := <-h.servers:
		return srv
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want }, waitTimeout, time.Millisecond,
		"state never became %s", want)
}

// join runs the handshake with info and waits for Joined.
func (h *harness) join(req JoinRequest, info *protocol.RoomInfo) *fakeServer {
	h.t.Helper()
	require.NoError(h.t, h.session.RequestJoin(context.Background(), req))
	srv := h.server()
	auth := srv.expect(protocol.KindAuth).(*protocol.Auth)
	srv.send(&protocol.Ack{ReqID: auth.ReqID})
	srv.send(info)
	h.waitState(StateJoined)
	h.editor.expect(h.t, "status joined alice/demo")
	return srv
}

func roomInfo(perms []string, bufs ...protocol.BufferInfo) *protocol.RoomInfo {
	info := &protocol.RoomInfo{
		RoomName: "demo",
		Owner:    "alice",
		UserID:   7,
		Perms:    perms,
		Bufs:     make(map[string]protocol.BufferInfo),
		Users: map[string]protocol.UserInfo{
			"7": {ConnID: 7, UserID: 1, Username: "alice"},
		},
	}
	for _, b := range bufs {
		info.Bufs[strconv.Itoa(b.ID)] = b
	}
	return info
}

func textBuf(id int, path, text string, version int) protocol.BufferInfo {
	return protocol.BufferInfo{ID: id, Path: path, Encoding: protocol.EncodingUTF8, Version: version, Buf: &text}
}

func TestJoinHandshake(t *testing.T) {
	h := newHarness(t, Options{Version: "1.2.3"})
	req := h.request()
	req.Credentials.Secret = securemem.NewString("s3cret")

	require.NoError(t, h.session.RequestJoin(context.Background(), req))
	assert.ErrorIs(t, h.session.RequestJoin(context.Background(), req), ErrAlreadyRunning)

	srv := h.server()
	auth := srv.expect(protocol.KindAuth).(*protocol.Auth)
	assert.Equal(t, "alice", auth.Username)
	assert.Equal(t, "s3cret", auth.Secret)
	assert.Equal(t, "demo", auth.Room)
	assert.Equal(t, "alice", auth.RoomOwner)
	assert.Regexp(t, "^"+ClientName+"-[0-9a-f]{8}$", auth.Client)
	assert.Equal(t, "1.2.3", auth.Version)
	assert.Equal(t, []string{protocol.EncodingUTF8, protocol.EncodingBase64}, auth.SupportedEncodings)
	h.waitState(StateAuthenticating)

	srv.send(&protocol.Ack{ReqID: auth.ReqID})
	h.waitState(StateJoining)

	srv.send(roomInfo(allPerms, textBuf(1, "a.txt", "abc", 5)))
	h.waitState(StateJoined)
	h.editor.expect(t, "status joined alice/demo")
	h.editor.expect(t, "created a.txt abc")
	assert.Equal(t, float64(StateJoined), testutil.ToFloat64(h.metrics.State))

	buf, ok := h.session.Buffer("a.txt")
	require.True(t, ok)
	assert.Equal(t, 5, buf.Version)
	assert.Equal(t, "alice/demo", h.session.RoomID())

	h.session.RequestLeave()
	assert.NoError(t, h.session.Wait())
	assert.Equal(t, StateDisconnected, h.session.State())
}

func TestRoomInfoWithoutAckJoins(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))
	srv := h.server()
	srv.expect(protocol.KindAuth)
	srv.send(roomInfo(allPerms))
	h.waitState(StateJoined)
}

func TestRequestJoinValidates(t *testing.T) {
	h := newHarness(t, Options{})
	req := h.request()
	req.Endpoint = ""
	assert.Error(t, h.session.RequestJoin(context.Background(), req))
	req = h.request()
	req.Room.Name = ""
	assert.Error(t, h.session.RequestJoin(context.Background(), req))
}

func TestAuthErrorIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))
	srv := h.server()
	srv.expect(protocol.KindAuth)
	srv.send(&protocol.Error{Msg: "bad secret", Code: protocol.ErrorCodeAuth})

	err := h.session.Wait()
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, AuthError, fatal.Kind)
	h.editor.expect(t, "error "+err.Error())
	assert.Equal(t, int32(1), h.dials.Load(), "no reconnect after a fatal error")
}

func TestServerDisconnectIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms))
	srv.send(&protocol.Disconnect{Reason: "room deleted"})

	err := h.session.Wait()
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, ServerDisconnect, fatal.Kind)
	assert.Equal(t, "room deleted", fatal.Msg)
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestConcurrentEditIsRebased(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 5)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abd")
	local := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 5, local.Version)
	assert.Equal(t, protocol.MD5Hex("abc"), local.MD5Before)
	assert.Equal(t, protocol.MD5Hex("abd"), local.MD5After)
	applied, err := diffpatch.Apply("abc", local.Ops)
	require.NoError(t, err)
	assert.Equal(t, "abd", applied)

	srv.send(&protocol.Patch{ID: 1, Version: 5, Ops: diffpatch.Script{{Pos: 0, Ins: "X"}}})
	h.editor.expect(t, "changed a.txt Xabd")

	buf, ok := h.session.Buffer("a.txt")
	require.True(t, ok)
	assert.Equal(t, "Xabd", buf.Text)
	assert.Equal(t, 7, buf.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Rebases))

	srv.send(&protocol.Ack{ReqID: local.ReqID})
	h.session.LocalFileChanged("a.txt", "Xabde")
	next := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 7, next.Version)
	applied, err = diffpatch.Apply("Xabd", next.Ops)
	require.NoError(t, err)
	assert.Equal(t, "Xabde", applied)
}

func TestConcurrentEditResyncPolicy(t *testing.T) {
	h := newHarness(t, Options{RebasePolicy: RebasePolicyResync})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 5)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abd")
	srv.expect(protocol.KindPatch)
	srv.send(&protocol.Patch{ID: 1, Version: 5, Ops: diffpatch.Script{{Pos: 0, Ins: "X"}}})

	get := srv.expect(protocol.KindGetBuf).(*protocol.GetBuf)
	assert.Equal(t, 1, get.ID)
	srv.send(&protocol.GetBufResponse{ID: 1, Path: "a.txt", Buf: "Xabd", Encoding: protocol.EncodingUTF8, Version: 7})
	h.editor.expect(t, "changed a.txt Xabd")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Resyncs))
}

func TestOverlappingEditResyncsAndKeepsLaterLocalChange(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 5)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abd")
	srv.expect(protocol.KindPatch)
	srv.send(&protocol.Patch{ID: 1, Version: 5, Ops: diffpatch.Script{{Pos: 2, Del: 1, Ins: "Z"}}})
	srv.expect(protocol.KindGetBuf)

	// Typed while the buffer is being fetched; kept and sent afterwards.
	h.session.LocalFileChanged("a.txt", "abdq")
	srv.expectNone(50 * time.Millisecond)

	srv.send(&protocol.GetBufResponse{ID: 1, Path: "a.txt", Buf: "abZ", Encoding: protocol.EncodingUTF8, Version: 6})
	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 6, p.Version)
	applied, err := diffpatch.Apply("abZ", p.Ops)
	require.NoError(t, err)
	assert.Equal(t, "abdq", applied)
}

func TestInvalidRemotePatchResyncs(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	srv.send(&protocol.Patch{ID: 1, Version: 1, Ops: diffpatch.Script{{Pos: 2, Del: 5}}})
	srv.expect(protocol.KindGetBuf)

	buf, ok := h.session.Buffer("a.txt")
	require.True(t, ok)
	assert.Equal(t, "abc", buf.Text)
	assert.Equal(t, 1, buf.Version)

	// Patches arriving before the refetch completes are dropped.
	srv.send(&protocol.Patch{ID: 1, Version: 1, Ops: diffpatch.Script{{Pos: 0, Ins: "x"}}})
	srv.send(&protocol.GetBufResponse{ID: 1, Path: "a.txt", Buf: "xabc", Encoding: protocol.EncodingUTF8, Version: 2})
	h.editor.expect(t, "changed a.txt xabc")

	buf, _ = h.session.Buffer("a.txt")
	assert.Equal(t, 2, buf.Version)
}

func TestChecksumMismatchResyncs(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	srv.send(&protocol.Patch{ID: 1, Version: 1, Ops: diffpatch.Script{{Pos: 3, Ins: "d"}}, MD5After: protocol.MD5Hex("nope")})
	srv.expect(protocol.KindGetBuf)
}

func TestTransportLossReconnects(t *testing.T) {
	h := newHarness(t, Options{Reconnect: reconnect.Policy{Initial: 50 * time.Millisecond, Max: time.Second, MaxAttempts: 5}})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))
	srv := h.server()
	auth := srv.expect(protocol.KindAuth).(*protocol.Auth)
	srv.send(&protocol.Ack{ReqID: auth.ReqID})
	h.waitState(StateJoining)

	lost := time.Now()
	srv.conn.Close()
	h.waitState(StateDisconnected)

	again := h.server()
	assert.GreaterOrEqual(t, time.Since(lost), 50*time.Millisecond)
	again.expect(protocol.KindAuth)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Reconnects))

	again.send(roomInfo(allPerms))
	h.waitState(StateJoined)
}

func TestReconnectDropsPendingPatch(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 5)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abd")
	srv.expect(protocol.KindPatch)
	srv.conn.Close()

	again := h.server()
	auth := again.expect(protocol.KindAuth).(*protocol.Auth)
	again.send(&protocol.Ack{ReqID: auth.ReqID})
	again.send(roomInfo(allPerms, protocol.BufferInfo{ID: 1, Path: "a.txt", Encoding: protocol.EncodingUTF8, Version: 5, MD5: protocol.MD5Hex("abc")}))
	h.editor.expect(t, "status joined alice/demo")

	// The unacknowledged patch is not replayed; the buffer is refetched.
	again.expect(protocol.KindGetBuf)
	again.send(&protocol.GetBufResponse{ID: 1, Path: "a.txt", Buf: "abc", Encoding: protocol.EncodingUTF8, Version: 5})
	h.editor.expect(t, "changed a.txt abc")
	again.expectNone(50 * time.Millisecond)
}

func TestClientIDIsStableAcrossReconnects(t *testing.T) {
	h := newHarness(t, Options{Client: "vim"})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))
	srv := h.server()
	first := srv.expect(protocol.KindAuth).(*protocol.Auth)
	assert.True(t, strings.HasPrefix(first.Client, "vim-"), first.Client)
	srv.send(&protocol.Ack{ReqID: first.ReqID})
	srv.send(roomInfo(allPerms))
	h.waitState(StateJoined)
	srv.conn.Close()

	second := h.server().expect(protocol.KindAuth).(*protocol.Auth)
	assert.Equal(t, first.Client, second.Client)

	other := newHarness(t, Options{Client: "vim"})
	require.NoError(t, other.session.RequestJoin(context.Background(), other.request()))
	third := other.server().expect(protocol.KindAuth).(*protocol.Auth)
	assert.NotEqual(t, first.Client, third.Client)
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	h := newHarness(t, Options{
		Reconnect: reconnect.Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		Dial: func(context.Context, string, transport.Options) (transport.Conn, error) {
			dials.Add(1)
			return nil, &transport.ConnectError{Endpoint: "tcp://rooms.test", Err: errors.New("refused")}
		},
	})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))

	err := h.session.Wait()
	require.ErrorIs(t, err, ErrGaveUp)
	assert.Contains(t, err.Error(), "(limit 2)")
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Reconnects))
	h.editor.expect(t, "error "+err.Error())
}

func TestLeaveDuringBackoff(t *testing.T) {
	h := newHarness(t, Options{
		Reconnect: reconnect.Policy{Initial: time.Hour, Max: time.Hour},
		Dial: func(context.Context, string, transport.Options) (transport.Conn, error) {
			return nil, errors.New("refused")
		},
	})
	require.NoError(t, h.session.RequestJoin(context.Background(), h.request()))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.Reconnects) == 1 }, waitTimeout, time.Millisecond)

	h.session.RequestLeave()
	assert.NoError(t, h.session.Wait())
}

func TestOversizedChangeIsWholeBufferReplace(t *testing.T) {
	old := strings.Repeat("a", 40)
	changed := strings.Repeat("a", 20) + "b" + strings.Repeat("a", 20)

	h := newHarness(t, Options{DiffCeiling: 64})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "big.txt", old, 1)))
	h.editor.expect(t, "created big.txt "+old)

	h.session.LocalFileChanged("big.txt", changed)
	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, diffpatch.Script{{Pos: 0, Del: 40, Ins: changed}}, p.Ops)
}

func TestEditsWhilePendingAreCoalesced(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "", 0)))
	h.editor.expect(t, "created a.txt ")

	h.session.LocalFileChanged("a.txt", "a")
	first := srv.expect(protocol.KindPatch).(*protocol.Patch)
	h.session.LocalFileChanged("a.txt", "ab")
	h.session.LocalFileChanged("a.txt", "abc")
	srv.expectNone(50 * time.Millisecond)

	srv.send(&protocol.Ack{ReqID: first.ReqID})
	second := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 1, second.Version)
	applied, err := diffpatch.Apply("a", second.Ops)
	require.NoError(t, err)
	assert.Equal(t, "abc", applied)
}

func TestLocalEditsBeforeJoinAreReplayed(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.LocalFileChanged("a.txt", "abcd")

	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 3)))
	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 3, p.Version)
	applied, err := diffpatch.Apply("abc", p.Ops)
	require.NoError(t, err)
	assert.Equal(t, "abcd", applied)
}

func TestOfflineEventsReplayInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.session.LocalFileChanged("a.txt", "abcd")
	h.session.LocalFileCreated("b.txt", "bee")
	h.session.LocalFileDeleted("c.txt")
	h.session.LocalFileRenamed("d.txt", "e.txt")

	srv := h.join(h.request(), roomInfo(allPerms,
		textBuf(1, "a.txt", "abc", 3),
		textBuf(3, "c.txt", "sea", 1),
		textBuf(4, "d.txt", "dee", 2),
	))

	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 1, p.ID)
	applied, err := diffpatch.Apply("abc", p.Ops)
	require.NoError(t, err)
	assert.Equal(t, "abcd", applied)

	c := srv.expect(protocol.KindCreateBuf).(*protocol.CreateBuf)
	assert.Equal(t, "b.txt", c.Path)
	assert.Equal(t, "bee", c.Buf)

	d := srv.expect(protocol.KindDeleteBuf).(*protocol.DeleteBuf)
	assert.Equal(t, 3, d.ID)
	assert.Equal(t, "c.txt", d.Path)

	r := srv.expect(protocol.KindRenameBuf).(*protocol.RenameBuf)
	assert.Equal(t, 4, r.ID)
	assert.Equal(t, "d.txt", r.OldPath)
	assert.Equal(t, "e.txt", r.Path)

	srv.expectNone(50 * time.Millisecond)
	_, ok := h.session.Buffer("c.txt")
	assert.False(t, ok)
	_, ok = h.session.Buffer("e.txt")
	assert.True(t, ok)
}

func TestOwnCreateIsNotEchoed(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms))

	h.session.LocalFileCreated("new.txt", "hi")
	c := srv.expect(protocol.KindCreateBuf).(*protocol.CreateBuf)
	assert.Equal(t, "new.txt", c.Path)
	assert.Equal(t, protocol.EncodingUTF8, c.Encoding)

	srv.send(&protocol.CreateBuf{ID: 9, Path: "new.txt", Buf: "hi", Encoding: protocol.EncodingUTF8, Version: 0})
	h.session.LocalFileChanged("new.txt", "hi!")
	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	assert.Equal(t, 9, p.ID)
	assert.Equal(t, 0, p.Version)
	h.editor.expectNone(t, 50*time.Millisecond)
}

func TestBinaryBufferUsesSetBuf(t *testing.T) {
	h := newHarness(t, Options{})
	raw := "\x00\x01"
	encoded := protocol.EncodeContent(protocol.EncodingBase64, raw)
	srv := h.join(h.request(), roomInfo(allPerms, protocol.BufferInfo{
		ID: 2, Path: "img.bin", Encoding: protocol.EncodingBase64, Version: 4, Buf: &encoded,
	}))
	h.editor.expect(t, "created img.bin "+raw)

	h.session.LocalFileChanged("img.bin", "\x00\x02")
	set := srv.expect(protocol.KindSetBuf).(*protocol.SetBuf)
	assert.Equal(t, 4, set.Version)
	assert.Equal(t, protocol.EncodingBase64, set.Encoding)
	assert.Equal(t, protocol.EncodeContent(protocol.EncodingBase64, "\x00\x02"), set.Buf)

	buf, _ := h.session.Buffer("img.bin")
	assert.Equal(t, 5, buf.Version)
}

func TestTextPatchOnBinaryBufferResyncs(t *testing.T) {
	h := newHarness(t, Options{})
	raw := "\xff\x00\xfe"
	encoded := protocol.EncodeContent(protocol.EncodingBase64, raw)
	srv := h.join(h.request(), roomInfo(allPerms, protocol.BufferInfo{
		ID: 2, Path: "img.bin", Encoding: protocol.EncodingBase64, Version: 4, Buf: &encoded,
	}))
	h.editor.expect(t, "created img.bin "+raw)

	srv.send(&protocol.Patch{ID: 2, Version: 4, Ops: diffpatch.Script{{Pos: 0, Del: 1, Ins: "a"}}})
	get := srv.expect(protocol.KindGetBuf).(*protocol.GetBuf)
	assert.Equal(t, 2, get.ID)
	h.editor.expectNone(t, 50*time.Millisecond)

	buf, ok := h.session.Buffer("img.bin")
	require.True(t, ok)
	assert.Equal(t, raw, buf.Text, "binary content must not go through the text engine")
	assert.Equal(t, 4, buf.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Resyncs))

	srv.send(&protocol.GetBufResponse{ID: 2, Path: "img.bin", Buf: encoded, Encoding: protocol.EncodingBase64, Version: 5})
	require.Eventually(t, func() bool {
		buf, _ := h.session.Buffer("img.bin")
		return buf.Version == 5
	}, waitTimeout, time.Millisecond)
	buf, _ = h.session.Buffer("img.bin")
	assert.Equal(t, raw, buf.Text)
	h.editor.expectNone(t, 50*time.Millisecond)
}

func TestRemoteBufferEvents(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	srv.send(&protocol.CreateBuf{ID: 2, Path: "b.txt", Buf: "bee", Encoding: protocol.EncodingUTF8, Version: 0})
	h.editor.expect(t, "created b.txt bee")

	srv.send(&protocol.RenameBuf{ID: 2, Path: "dir/c.txt"})
	h.editor.expect(t, "renamed b.txt dir/c.txt")

	srv.send(&protocol.SetBuf{ID: 1, Buf: "replaced", Encoding: protocol.EncodingUTF8, Version: 1})
	h.editor.expect(t, "changed a.txt replaced")
	buf, _ := h.session.Buffer("a.txt")
	assert.Equal(t, 2, buf.Version)

	srv.send(&protocol.DeleteBuf{ID: 1})
	h.editor.expect(t, "deleted a.txt")
	_, ok := h.session.Buffer("a.txt")
	assert.False(t, ok)
}

func TestPresenceAndChat(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	srv.send(&protocol.Join{ConnID: 8, UserID: 2, Username: "bob"})
	h.editor.expect(t, "presence bob  [] left=false")

	srv.send(&protocol.Highlight{ID: 1, Ranges: [][2]int{{1, 2}}, UserID: 8})
	h.editor.expect(t, "presence bob a.txt [[1 2]] left=false")

	srv.send(&protocol.Msg{Username: "bob", Data: "hello"})
	h.editor.expect(t, "status bob: hello")

	srv.send(&protocol.Part{ConnID: 8})
	h.editor.expect(t, "presence bob  [] left=true")
	assert.Len(t, h.session.Users(), 1)

	h.session.LocalSelectionChanged("a.txt", [][2]int{{0, 1}})
	hl := srv.expect(protocol.KindHighlight).(*protocol.Highlight)
	assert.Equal(t, 1, hl.ID)
	assert.Equal(t, [][2]int{{0, 1}}, hl.Ranges)
}

func TestPingIsAnswered(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms))
	srv.send(&protocol.Ping{})
	srv.expect(protocol.KindPong)
}

func TestUnknownKindIgnoredMalformedFrameReconnects(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms))

	srv.sendRaw(`{"name":"terminals","list":[]}`)
	srv.send(&protocol.Ping{})
	srv.expect(protocol.KindPong)
	assert.Equal(t, int32(1), h.dials.Load())

	srv.sendRaw(`{not json`)
	again := h.server()
	again.expect(protocol.KindAuth)
}

func TestReadOnlyRoomDoesNotSend(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo([]string{"get_buf"}, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abcd")
	h.editor.expect(t, "status read-only room: local change to a.txt not shared")
	h.session.LocalFileChanged("a.txt", "abcde")
	srv.expectNone(50 * time.Millisecond)
	h.editor.expectNone(t, 20*time.Millisecond)
}

func TestRejectedPatchResyncs(t *testing.T) {
	h := newHarness(t, Options{})
	srv := h.join(h.request(), roomInfo(allPerms, textBuf(1, "a.txt", "abc", 1)))
	h.editor.expect(t, "created a.txt abc")

	h.session.LocalFileChanged("a.txt", "abcd")
	p := srv.expect(protocol.KindPatch).(*protocol.Patch)
	srv.send(&protocol.Error{Msg: "stale", ReqID: p.ReqID})
	srv.expect(protocol.KindGetBuf)

	srv.send(&protocol.Error{Msg: "something else"})
	h.editor.expect(t, "error something else")
}

func TestWorkspaceReconcile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("local"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "only.txt"), []byte("mine"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("old"), 0644))

	h := newHarness(t, Options{})
	req := h.request()
	req.Workspace = dir

	srv := h.join(req, roomInfo(allPerms,
		protocol.BufferInfo{ID: 1, Path: "a.txt", Encoding: protocol.EncodingUTF8, Version: 2, MD5: protocol.MD5Hex("local")},
		protocol.BufferInfo{ID: 2, Path: "b.txt", Encoding: protocol.EncodingUTF8, Version: 1, MD5: protocol.MD5Hex("remote")},
		textBuf(3, "c.txt", "new", 4),
	))
	h.editor.expect(t, "changed c.txt new")

	get := srv.expect(protocol.KindGetBuf).(*protocol.GetBuf)
	assert.Equal(t, 2, get.ID)
	create := srv.expect(protocol.KindCreateBuf).(*protocol.CreateBuf)
	assert.Equal(t, "only.txt", create.Path)
	assert.Equal(t, "mine", create.Buf)

	buf, ok := h.session.Buffer("a.txt")
	require.True(t, ok)
	assert.True(t, buf.Loaded)
	assert.Equal(t, "local", buf.Text)

	srv.send(&protocol.GetBufResponse{ID: 2, Path: "b.txt", Buf: "remote", Encoding: protocol.EncodingUTF8, Version: 1})
	h.editor.expect(t, "changed b.txt remote")
}

func TestNotifierPreservesOrder(t *testing.T) {
	n := newNotifier()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		n.push([]func(){func() { got = append(got, i) }})
	}
	n.wait()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
