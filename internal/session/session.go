// Package session runs the synchronization engine for one room: it owns the
// connection lifecycle, dispatches server messages, mirrors room state and
// reconciles concurrent local and remote edits.
//
// A Session is driven from two sides. Server frames arrive on the read loop
// goroutine; local edits arrive through the Local* methods, typically from a
// file watcher. Both mutate state under one lock, so every buffer sees a
// single total order of operations. Outbound frames produced by a mutation
// are sent in that same order before the next mutation can send.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/protocol"
	"github.com/codefionn/roomsync/internal/reconnect"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/securemem"
	"github.com/codefionn/roomsync/internal/transport"
	"github.com/codefionn/roomsync/internal/workspace"
	"github.com/google/uuid"
)

// Rebase policies.
const (
	// RebasePolicyRebase transforms a remote patch past a pending local one
	// when their ranges do not overlap.
	RebasePolicyRebase = "rebase"
	// RebasePolicyResync refetches the buffer on any concurrent edit.
	RebasePolicyResync = "resync"
)

// ClientName is the default Options.Client. Auth carries it suffixed with a
// per-session instance id.
const ClientName = "roomsync"

// Dialer opens a transport connection. transport.Dial is the default.
type Dialer func(ctx context.Context, endpoint string, opts transport.Options) (transport.Conn, error)

// Options configures a Session.
type Options struct {
	Editor    Editor
	Logger    *logger.Logger
	Metrics   *Metrics
	Dial      Dialer
	Transport transport.Options
	Reconnect reconnect.Policy

	// DiffCeiling bounds the fine-grained diff; larger changes become one
	// whole-buffer replace.
	DiffCeiling  int
	MaxFileBytes int64
	RebasePolicy string

	Client   string // auth client name, sent as <Client>-<instance>
	Platform string
	Version  string
}

// Credentials authenticate the local user.
type Credentials struct {
	Username string
	Secret   *securemem.String
}

// RoomRef names a room.
type RoomRef struct {
	Owner string
	Name  string
}

// JoinRequest describes the room to join and the local workspace mapped
// onto it. An empty Workspace joins without sharing local files.
type JoinRequest struct {
	Endpoint    string
	Credentials Credentials
	Room        RoomRef
	Workspace   string
	Ignore      workspace.IgnoreFunc
}

type pendingPatch struct {
	base  int
	ops   diffpatch.Script
	reqID int
}

type pendingCreate struct {
	reqID int
	text  string
}

// Session synchronizes one room. The zero value is not usable; call New.
type Session struct {
	opts     Options
	editor   Editor
	metrics  *Metrics
	baseLog  *logger.Logger
	instance string
	notify   *notifier

	// sendMu orders frame writes; it is taken while mu is still held.
	sendMu sync.Mutex

	mu      sync.Mutex
	log     *logger.Logger
	state   State
	req     JoinRequest
	room    *room.Room
	conn    transport.Conn
	running bool
	cancel  context.CancelFunc
	backoff *reconnect.Controller
	done    chan struct{}
	err     error

	reqSeq     int
	authReq    int
	pending    map[int]*pendingPatch
	queued     map[int]string
	resyncing  map[int]bool
	resyncFrom map[int]string
	inflight   map[int]int
	creating   map[string]*pendingCreate
	offline    []localInput
	scanned    []workspace.File
	roNotified bool
}

// New returns an idle session.
func New(opts Options) *Session {
	if opts.Editor == nil {
		opts.Editor = NopEditor{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Dial == nil {
		opts.Dial = transport.Dial
	}
	if opts.DiffCeiling <= 0 {
		opts.DiffCeiling = diffpatch.DefaultCeiling
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = workspace.DefaultMaxFileBytes
	}
	if opts.RebasePolicy == "" {
		opts.RebasePolicy = RebasePolicyRebase
	}
	if opts.Client == "" {
		opts.Client = ClientName
	}
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}

	s := &Session{
		opts:     opts,
		editor:   opts.Editor,
		metrics:  opts.Metrics,
		baseLog:  opts.Logger,
		log:      opts.Logger.WithPrefix("session"),
		instance: uuid.NewString(),
		notify:   newNotifier(),
	}
	s.resetSyncLocked()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns "owner/name" of the current room, or "" before the first
// join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.ID()
}

// Buffer returns a copy of the buffer at a room path.
func (s *Session) Buffer(path string) (room.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return room.Buffer{}, false
	}
	buf, ok := s.room.ByPath(path)
	if !ok {
		return room.Buffer{}, false
	}
	return *buf, true
}

// Users returns copies of the connected users.
func (s *Session) Users() []room.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	var out []room.User
	for _, u := range s.room.Users() {
		out = append(out, *u)
	}
	return out
}

// RequestJoin starts connecting to the room in the background and returns
// immediately. ctx bounds the whole session, including reconnects.
func (s *Session) RequestJoin(ctx context.Context, req JoinRequest) error {
	if req.Endpoint == "" {
		return errors.New("session: endpoint is required")
	}
	if req.Room.Owner == "" || req.Room.Name == "" {
		return errors.New("session: room owner and name are required")
	}
	if req.Credentials.Username == "" {
		return errors.New("session: username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.req = req
	s.room = room.New(req.Room.Owner, req.Room.Name)
	s.log = s.baseLog.WithPrefix("session:" + s.room.ID())
	s.cancel = cancel
	s.backoff = reconnect.New(s.opts.Reconnect)
	s.done = make(chan struct{})
	s.err = nil
	s.resetSyncLocked()

	s.log.Info("joining %s at %s as %s", s.room.ID(), req.Endpoint, s.clientID())
	go s.run(runCtx)
	return nil
}

// RequestLeave ends the session. Local state is discarded; Wait returns
// nil afterwards.
func (s *Session) RequestLeave() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, conn, bo := s.cancel, s.conn, s.backoff
	s.log.Info("leaving %s", s.room.ID())
	s.mu.Unlock()

	bo.Stop()
	cancel()
	if conn != nil {
		conn.Close()
	}
}

// Wait blocks until the session ends and returns why: nil after
// RequestLeave, a *FatalError, or an error wrapping ErrGaveUp.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) run(ctx context.Context) (err error) {
	defer func() {
		fx := s.begin()
		s.conn = nil
		s.offline = nil
		s.resetSyncLocked()
		s.setStateLocked(fx, StateDisconnected)
		if err != nil {
			msg := err.Error()
			fx.call(func() { s.editor.OnErrorMessage(msg) })
		}
		s.end(fx)
		s.notify.wait()

		s.mu.Lock()
		s.err = err
		s.running = false
		done := s.done
		s.mu.Unlock()
		close(done)
	}()

	for {
		connErr := s.connectOnce(ctx)
		if IsFatal(connErr) {
			s.log.Error("%v", connErr)
			return connErr
		}
		if ctx.Err() != nil || s.backoff.Stopped() {
			return nil
		}

		delay, ok := s.backoff.Next()
		if !ok {
			s.log.Error("giving up after %d attempts: %v", s.backoff.Attempts(), connErr)
			return fmt.Errorf("%w (limit %d): %v", ErrGaveUp, s.backoff.Policy().MaxAttempts, connErr)
		}
		s.metrics.Reconnects.Inc()
		s.log.Warn("connection lost: %v; reconnecting in %s (attempt %d)", connErr, delay, s.backoff.Attempts())
		if err := s.backoff.Wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// connectOnce runs one connection from dial to loss.
func (s *Session) connectOnce(ctx context.Context) error {
	fx := s.begin()
	req := s.req
	log := s.log
	s.setStateLocked(fx, StateConnecting)
	s.end(fx)

	var files []workspace.File
	if req.Workspace != "" {
		var err error
		files, err = workspace.Scan(ctx, req.Workspace, req.Ignore, workspace.ScanOptions{
			MaxFileBytes: s.opts.MaxFileBytes,
			OnSkip: func(path, reason string) {
				log.Debug("not sharing %s: %s", path, reason)
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("scan %s: %v", req.Workspace, err)
		}
	}

	conn, err := s.opts.Dial(ctx, req.Endpoint, s.opts.Transport)
	if err != nil {
		fx := s.begin()
		s.setStateLocked(fx, StateDisconnected)
		s.end(fx)
		return err
	}
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()

	fx = s.begin()
	s.conn = conn
	s.scanned = files
	s.resetSyncLocked()
	s.authReq = s.nextReqLocked()
	auth := &protocol.Auth{
		Username:           req.Credentials.Username,
		Room:               req.Room.Name,
		RoomOwner:          req.Room.Owner,
		Client:             s.clientID(),
		Platform:           s.opts.Platform,
		Version:            s.opts.Version,
		SupportedEncodings: []string{protocol.EncodingUTF8, protocol.EncodingBase64},
		ReqID:              s.authReq,
	}
	req.Credentials.Secret.WithValue(func(secret string) { auth.Secret = secret })
	fx.send(auth)
	s.setStateLocked(fx, StateAuthenticating)
	s.end(fx)
	auth.Secret = ""

	err = s.readLoop(conn)
	if cause := conn.Err(); cause != nil && !errors.Is(cause, err) {
		log.Debug("connection closed: %v", cause)
	}

	fx = s.begin()
	s.conn = nil
	s.scanned = nil
	s.resetSyncLocked()
	s.setStateLocked(fx, StateDisconnected)
	s.end(fx)
	return err
}

// clientID names this client instance to the server.
func (s *Session) clientID() string {
	return s.opts.Client + "-" + s.instance[:8]
}

func (s *Session) readLoop(conn transport.Conn) error {
	for {
		frame, err := conn.Receive()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			var unknown *protocol.UnknownKindError
			if errors.As(err, &unknown) {
				s.logger().Debug("ignoring %v", err)
				continue
			}
			s.logger().Error("%v", err)
			return err
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) logger() *logger.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// effects collects what a locked mutation wants to happen once the lock
// is released: frames to send and editor notifications.
type effects struct {
	out   []protocol.Message
	calls []func()
}

func (fx *effects) send(msg protocol.Message) {
	fx.out = append(fx.out, msg)
}

func (fx *effects) call(fn func()) {
	fx.calls = append(fx.calls, fn)
}

func (s *Session) begin() *effects {
	s.mu.Lock()
	return &effects{}
}

// end releases the state lock and performs fx. Notifications are queued
// and frames are ordered before the lock is released.
func (s *Session) end(fx *effects) {
	conn, log := s.conn, s.log
	s.notify.push(fx.calls)
	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()

	for _, msg := range fx.out {
		if conn == nil {
			log.Debug("dropping %s: not connected", msg.Kind())
			continue
		}
		frame, err := protocol.Encode(msg)
		if err != nil {
			log.Error("%v", err)
			continue
		}
		if err := conn.Send(context.Background(), frame); err != nil {
			log.Debug("send %s: %v", msg.Kind(), err)
			return
		}
	}
}

func (s *Session) nextReqLocked() int {
	s.reqSeq++
	return s.reqSeq
}

func (s *Session) setStateLocked(fx *effects, next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.metrics.State.Set(float64(next))
	s.log.Debug("state %s -> %s", prev, next)

	if next == StateJoined {
		s.backoff.Reset()
		s.flushOfflineLocked(fx)
	}
}

// resetSyncLocked forgets all per-connection synchronization state.
func (s *Session) resetSyncLocked() {
	s.pending = make(map[int]*pendingPatch)
	s.queued = make(map[int]string)
	s.resyncing = make(map[int]bool)
	s.resyncFrom = make(map[int]string)
	s.inflight = make(map[int]int)
	s.creating = make(map[string]*pendingCreate)
	s.roNotified = false
}

// forgetBufferLocked drops synchronization state for one buffer.
func (s *Session) forgetBufferLocked(id int) {
	delete(s.pending, id)
	delete(s.queued, id)
	delete(s.resyncing, id)
	delete(s.resyncFrom, id)
	for reqID, bufID := range s.inflight {
		if bufID == id {
			delete(s.inflight, reqID)
		}
	}
}

// notifier delivers editor callbacks in order on a goroutine of its own.
type notifier struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	running bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.idle = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) push(fns []func()) {
	if len(fns) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, fns...)
	if !n.running {
		n.running = true
		go n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.idle.Broadcast()
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued callback has run.
func (n *notifier) wait() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.running {
		n.idle.Wait()
	}
}
