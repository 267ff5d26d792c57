package session

import (
	"fmt"
	"strings"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/protocol"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/workspace"
)

// handlerFunc handles one inbound message with the state lock held. A
// non-nil error ends the connection.
type handlerFunc func(s *Session, fx *effects, msg protocol.Message) error

var handlers = map[string]handlerFunc{
	protocol.KindAck:            (*Session).handleAck,
	protocol.KindRoomInfo:       (*Session).handleRoomInfo,
	protocol.KindPatch:          (*Session).handlePatch,
	protocol.KindGetBufResponse: (*Session).handleGetBufResponse,
	protocol.KindCreateBuf:      (*Session).handleCreateBuf,
	protocol.KindDeleteBuf:      (*Session).handleDeleteBuf,
	protocol.KindRenameBuf:      (*Session).handleRenameBuf,
	protocol.KindSetBuf:         (*Session).handleSetBuf,
	protocol.KindJoin:           (*Session).handleJoin,
	protocol.KindPart:           (*Session).handlePart,
	protocol.KindHighlight:      (*Session).handleHighlight,
	protocol.KindMsg:            (*Session).handleMsg,
	protocol.KindPing:           (*Session).handlePing,
	protocol.KindPong:           (*Session).handlePong,
	protocol.KindError:          (*Session).handleError,
	protocol.KindDisconnect:     (*Session).handleDisconnect,
}

// joinedOnly lists kinds that only make sense once the room is mirrored.
var joinedOnly = map[string]bool{
	protocol.KindPatch:          true,
	protocol.KindGetBufResponse: true,
	protocol.KindCreateBuf:      true,
	protocol.KindDeleteBuf:      true,
	protocol.KindRenameBuf:      true,
	protocol.KindSetBuf:         true,
	protocol.KindJoin:           true,
	protocol.KindPart:           true,
	protocol.KindHighlight:      true,
}

func (s *Session) dispatch(msg protocol.Message) error {
	fx := s.begin()
	defer s.end(fx)

	h, ok := handlers[msg.Kind()]
	if !ok {
		s.log.Debug("ignoring %s from server", msg.Kind())
		return nil
	}
	if joinedOnly[msg.Kind()] && s.state != StateJoined {
		s.log.Debug("ignoring %s while %s", msg.Kind(), s.state)
		return nil
	}
	return h(s, fx, msg)
}

func (s *Session) handleAck(fx *effects, msg protocol.Message) error {
	ack := msg.(*protocol.Ack)
	if s.state == StateAuthenticating && ack.ReqID == s.authReq {
		s.setStateLocked(fx, StateJoining)
		return nil
	}

	bufID, ok := s.inflight[ack.ReqID]
	if !ok {
		return nil
	}
	delete(s.inflight, ack.ReqID)
	if p := s.pending[bufID]; p != nil && p.reqID == ack.ReqID {
		delete(s.pending, bufID)
		if text, ok := s.queued[bufID]; ok {
			delete(s.queued, bufID)
			if buf, ok := s.room.Get(bufID); ok {
				s.submitLocked(fx, buf, text)
			}
		}
	}
	return nil
}

func (s *Session) handleRoomInfo(fx *effects, msg protocol.Message) error {
	info := msg.(*protocol.RoomInfo)
	initial := s.state != StateJoined
	switch s.state {
	case StateAuthenticating:
		// The snapshot doubles as the auth acknowledgement.
		s.setStateLocked(fx, StateJoining)
	case StateJoining, StateJoined:
	default:
		return &protocol.ProtocolError{Name: protocol.KindRoomInfo, Reason: "unexpected while " + s.state.String()}
	}

	if err := s.room.ApplyRoomInfo(info); err != nil {
		return &protocol.ProtocolError{Name: protocol.KindRoomInfo, Reason: "invalid snapshot", Err: err}
	}
	s.resetSyncLocked()
	s.log.Info("room %s: %d buffers, %d users, perms %s",
		s.room.ID(), len(info.Bufs), len(info.Users), strings.Join(s.room.Perms(), ","))

	if initial {
		id := s.room.ID()
		fx.call(func() { s.editor.OnStatusMessage("joined " + id) })
		s.reconcileLocked(fx)
		s.setStateLocked(fx, StateJoined)
		return nil
	}
	for _, buf := range s.room.Buffers() {
		if !buf.Loaded {
			s.fetchLocked(fx, buf)
		}
	}
	return nil
}

// reconcileLocked matches the room snapshot against the scanned workspace:
// room content wins for shared paths, local-only files are uploaded.
func (s *Session) reconcileLocked(fx *effects) {
	local := make(map[string]workspace.File, len(s.scanned))
	for _, f := range s.scanned {
		local[f.Path] = f
	}

	for _, buf := range s.room.Buffers() {
		f, onDisk := local[buf.Path]
		delete(local, buf.Path)
		path, text := buf.Path, buf.Text

		switch {
		case buf.Loaded && !onDisk:
			fx.call(func() { s.editor.OnBufferCreated(path, text) })
		case buf.Loaded:
			if f.Text != buf.Text {
				fx.call(func() { s.editor.OnRemoteContentChanged(path, text) })
			}
		case onDisk && buf.MD5 != "" && protocol.MD5Hex(f.Text) == buf.MD5:
			s.room.SetContent(buf.ID, f.Text, buf.Version)
		default:
			s.fetchLocked(fx, buf)
		}
	}

	if len(local) > 0 && !s.room.CanWrite(protocol.KindCreateBuf) {
		n := len(local)
		fx.call(func() {
			s.editor.OnStatusMessage(fmt.Sprintf("read-only room: %d local files not shared", n))
		})
	} else {
		for _, f := range s.scanned {
			if _, ok := local[f.Path]; ok {
				s.createLocked(fx, f.Path, f.Text)
			}
		}
	}
	s.scanned = nil
}

func (s *Session) handlePatch(fx *effects, msg protocol.Message) error {
	p := msg.(*protocol.Patch)
	buf, ok := s.room.Get(p.ID)
	if !ok {
		s.log.Debug("patch for unknown buffer %d", p.ID)
		return nil
	}
	if s.resyncing[p.ID] || !buf.Loaded {
		s.log.Debug("ignoring patch for buf=%d while it is fetched", p.ID)
		return nil
	}
	s.metrics.PatchesReceived.Inc()
	if buf.Binary() {
		s.resyncLocked(fx, buf, "text patch for binary buffer")
		return nil
	}

	before := buf.Text
	pend := s.pending[p.ID]
	switch {
	case p.Version == buf.Version:
		text, _, err := s.room.ApplyPatch(p.ID, p.Version, p.Ops)
		if err != nil {
			s.resyncLocked(fx, buf, err.Error())
			return nil
		}
		if p.MD5After != "" && protocol.MD5Hex(text) != p.MD5After {
			s.resyncLocked(fx, buf, "checksum mismatch after patch")
			return nil
		}
		if !s.rebaseQueuedLocked(fx, buf, before, p.Ops) {
			return nil
		}
		s.contentChangedLocked(fx, buf)

	case pend != nil && p.Version == pend.base && s.opts.RebasePolicy == RebasePolicyRebase:
		remote, err := diffpatch.Rebase(p.Ops, pend.ops)
		if err != nil {
			s.resyncLocked(fx, buf, "concurrent edit overlaps pending patch")
			return nil
		}
		local, err := diffpatch.Rebase(pend.ops, p.Ops)
		if err != nil {
			s.resyncLocked(fx, buf, "concurrent edit overlaps pending patch")
			return nil
		}
		if _, _, err := s.room.ApplyPatch(p.ID, buf.Version, remote); err != nil {
			s.resyncLocked(fx, buf, err.Error())
			return nil
		}
		pend.ops = local
		pend.base++
		s.metrics.Rebases.Inc()
		s.log.Debug("rebased remote patch on buf=%d past pending req=%d", buf.ID, pend.reqID)
		if !s.rebaseQueuedLocked(fx, buf, before, remote) {
			return nil
		}
		s.contentChangedLocked(fx, buf)

	default:
		s.resyncLocked(fx, buf, fmt.Sprintf("patch base %d, local version %d", p.Version, buf.Version))
	}
	return nil
}

// rebaseQueuedLocked moves a queued local text past ops that were just
// applied to before. It reports false if it had to resync instead.
func (s *Session) rebaseQueuedLocked(fx *effects, buf *room.Buffer, before string, applied diffpatch.Script) bool {
	queued, ok := s.queued[buf.ID]
	if !ok {
		return true
	}
	mine, err := diffpatch.Rebase(diffpatch.Compute(before, queued, s.opts.DiffCeiling), applied)
	if err == nil {
		queued, err = diffpatch.Apply(buf.Text, mine)
	}
	if err != nil {
		s.resyncLocked(fx, buf, "concurrent edit overlaps queued change")
		return false
	}
	s.queued[buf.ID] = queued
	return true
}

func (s *Session) contentChangedLocked(fx *effects, buf *room.Buffer) {
	path, text := buf.Path, buf.Text
	fx.call(func() { s.editor.OnRemoteContentChanged(path, text) })
}

// resyncLocked abandons local synchronization state for buf and refetches
// the authoritative content.
func (s *Session) resyncLocked(fx *effects, buf *room.Buffer, reason string) {
	s.forgetBufferLocked(buf.ID)
	s.metrics.Resyncs.Inc()
	s.log.Warn("resync buf=%d path=%s reason=%s", buf.ID, buf.Path, reason)
	s.resyncFrom[buf.ID] = buf.Text
	s.fetchLocked(fx, buf)
}

func (s *Session) fetchLocked(fx *effects, buf *room.Buffer) {
	s.resyncing[buf.ID] = true
	fx.send(&protocol.GetBuf{ID: buf.ID, ReqID: s.nextReqLocked()})
}

func (s *Session) handleGetBufResponse(fx *effects, msg protocol.Message) error {
	r := msg.(*protocol.GetBufResponse)
	buf, ok := s.room.Get(r.ID)
	if !ok {
		return nil
	}
	text, err := protocol.DecodeContent(r.Encoding, r.Buf)
	if err != nil {
		s.log.Warn("get_buf_response buf=%d: %v", r.ID, err)
		return nil
	}

	wasLoaded, old := buf.Loaded, buf.Text
	if r.Encoding != "" {
		buf.Encoding = r.Encoding
	}
	s.room.SetContent(r.ID, text, r.Version)
	delete(s.resyncing, r.ID)
	delete(s.pending, r.ID)
	if from, ok := s.resyncFrom[r.ID]; ok {
		delete(s.resyncFrom, r.ID)
		if !buf.Binary() && s.log.GetLevel() <= logger.LevelDebug {
			s.log.Debug("resynced buf=%d:\n%s", r.ID, diffpatch.Unified(buf.Path, from, text))
		}
	}

	if queued, ok := s.queued[r.ID]; ok {
		delete(s.queued, r.ID)
		if queued != text {
			s.submitLocked(fx, buf, queued)
			return nil
		}
	}
	if !wasLoaded || old != text {
		s.contentChangedLocked(fx, buf)
	}
	return nil
}

func (s *Session) handleCreateBuf(fx *effects, msg protocol.Message) error {
	c := msg.(*protocol.CreateBuf)
	text, err := protocol.DecodeContent(c.Encoding, c.Buf)
	if err != nil {
		s.log.Warn("create_buf %s: %v", c.Path, err)
		return nil
	}
	buf, err := s.room.ApplyCreate(room.Buffer{
		ID:       c.ID,
		Path:     c.Path,
		Encoding: c.Encoding,
		Text:     text,
		Version:  c.Version,
		Loaded:   true,
	})
	if err != nil {
		s.log.Warn("create_buf: %v", err)
		return nil
	}

	if pc, mine := s.creating[buf.Path]; mine {
		delete(s.creating, buf.Path)
		if pc.text != text {
			s.submitLocked(fx, buf, pc.text)
		}
		return nil
	}
	path := buf.Path
	fx.call(func() { s.editor.OnBufferCreated(path, text) })
	return nil
}

func (s *Session) handleDeleteBuf(fx *effects, msg protocol.Message) error {
	d := msg.(*protocol.DeleteBuf)
	buf, err := s.room.ApplyDelete(d.ID)
	if err != nil {
		s.log.Debug("delete_buf: %v", err)
		return nil
	}
	s.forgetBufferLocked(d.ID)
	path := buf.Path
	fx.call(func() { s.editor.OnBufferDeleted(path) })
	return nil
}

func (s *Session) handleRenameBuf(fx *effects, msg protocol.Message) error {
	r := msg.(*protocol.RenameBuf)
	oldPath, err := s.room.ApplyRename(r.ID, r.Path)
	if err != nil {
		s.log.Warn("rename_buf: %v", err)
		return nil
	}
	buf, _ := s.room.Get(r.ID)
	newPath := buf.Path
	if oldPath != newPath {
		fx.call(func() { s.editor.OnBufferRenamed(oldPath, newPath) })
	}
	return nil
}

// handleSetBuf takes a whole-content replace. Version is the base version,
// so the result is one past it.
func (s *Session) handleSetBuf(fx *effects, msg protocol.Message) error {
	b := msg.(*protocol.SetBuf)
	buf, ok := s.room.Get(b.ID)
	if !ok {
		return nil
	}
	text, err := protocol.DecodeContent(b.Encoding, b.Buf)
	if err != nil {
		s.log.Warn("set_buf buf=%d: %v", b.ID, err)
		return nil
	}
	changed := !buf.Loaded || buf.Text != text
	s.forgetBufferLocked(b.ID)
	if b.Encoding != "" {
		buf.Encoding = b.Encoding
	}
	s.room.SetContent(b.ID, text, b.Version+1)
	if changed {
		s.contentChangedLocked(fx, buf)
	}
	return nil
}

func (s *Session) handleJoin(fx *effects, msg protocol.Message) error {
	j := msg.(*protocol.Join)
	user := *s.room.AddUser(room.User{
		ConnID:   j.ConnID,
		UserID:   j.UserID,
		Username: j.Username,
		Client:   j.Client,
		Platform: j.Platform,
		Perms:    append([]string(nil), j.Perms...),
	})
	s.log.Info("%s joined (conn %d)", j.Username, j.ConnID)
	fx.call(func() { s.editor.OnPresenceChanged(user, Cursor{}) })
	return nil
}

func (s *Session) handlePart(fx *effects, msg protocol.Message) error {
	p := msg.(*protocol.Part)
	u, ok := s.room.RemoveUser(p.ConnID)
	if !ok {
		return nil
	}
	user := *u
	s.log.Info("%s left (conn %d)", user.Username, user.ConnID)
	fx.call(func() { s.editor.OnPresenceChanged(user, Cursor{Left: true}) })
	return nil
}

func (s *Session) handleHighlight(fx *effects, msg protocol.Message) error {
	h := msg.(*protocol.Highlight)
	buf, ok := s.room.Get(h.ID)
	if !ok {
		return nil
	}
	connID := h.ConnID
	if connID == 0 {
		connID = h.UserID
	}
	u, ok := s.room.SetPresence(connID, h.ID, h.Ranges)
	if !ok {
		return nil
	}
	user := *u
	cursor := Cursor{Path: buf.Path, Ranges: user.Presence.Ranges}
	fx.call(func() { s.editor.OnPresenceChanged(user, cursor) })
	return nil
}

func (s *Session) handleMsg(fx *effects, msg protocol.Message) error {
	m := msg.(*protocol.Msg)
	line := m.Data
	if m.Username != "" {
		line = m.Username + ": " + m.Data
	}
	fx.call(func() { s.editor.OnStatusMessage(line) })
	return nil
}

func (s *Session) handlePing(fx *effects, _ protocol.Message) error {
	fx.send(&protocol.Pong{})
	return nil
}

func (s *Session) handlePong(*effects, protocol.Message) error {
	return nil
}

func (s *Session) handleError(fx *effects, msg protocol.Message) error {
	e := msg.(*protocol.Error)
	switch {
	case e.Code == protocol.ErrorCodeAuth || s.state == StateAuthenticating:
		return &FatalError{Kind: AuthError, Msg: e.Msg}
	case e.Code == protocol.ErrorCodePermission:
		return &FatalError{Kind: PermissionError, Msg: e.Msg}
	}

	if e.ReqID != 0 {
		if bufID, ok := s.inflight[e.ReqID]; ok {
			delete(s.inflight, e.ReqID)
			if buf, ok := s.room.Get(bufID); ok {
				s.resyncLocked(fx, buf, "server rejected change: "+e.Msg)
			}
			return nil
		}
		for path, pc := range s.creating {
			if pc.reqID == e.ReqID {
				delete(s.creating, path)
				break
			}
		}
	}

	s.log.Warn("server error: %s", e.Msg)
	text := e.Msg
	fx.call(func() { s.editor.OnErrorMessage(text) })
	return nil
}

func (s *Session) handleDisconnect(_ *effects, msg protocol.Message) error {
	d := msg.(*protocol.Disconnect)
	return &FatalError{Kind: ServerDisconnect, Msg: d.Reason}
}
