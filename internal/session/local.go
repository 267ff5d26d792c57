package session

import (
	"fmt"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/protocol"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/workspace"
)

type inputKind int

const (
	inputChanged inputKind = iota
	inputCreated
	inputDeleted
	inputRenamed
	inputSelection
)

// localInput is a local event recorded while the session is not joined.
type localInput struct {
	kind    inputKind
	path    string
	newPath string
	text    string
	ranges  [][2]int
}

// LocalFileChanged reports new content for a room path. Before the session
// is joined the change is queued and sent once the room is mirrored.
func (s *Session) LocalFileChanged(path, text string) {
	p, ok := s.normalize(path)
	if !ok {
		return
	}
	s.localChanged(p, text)
}

// LocalFileCreated reports a new local file.
func (s *Session) LocalFileCreated(path, text string) {
	if p, ok := s.normalize(path); ok {
		s.local(localInput{kind: inputCreated, path: p, text: text})
	}
}

// LocalFileDeleted reports a removed local file.
func (s *Session) LocalFileDeleted(path string) {
	if p, ok := s.normalize(path); ok {
		s.local(localInput{kind: inputDeleted, path: p})
	}
}

// LocalFileRenamed reports a file moved from oldPath to newPath.
func (s *Session) LocalFileRenamed(oldPath, newPath string) {
	from, ok := s.normalize(oldPath)
	if !ok {
		return
	}
	to, ok := s.normalize(newPath)
	if !ok {
		return
	}
	s.local(localInput{kind: inputRenamed, path: from, newPath: to})
}

// LocalSelectionChanged reports the local cursor ranges in a buffer.
func (s *Session) LocalSelectionChanged(path string, ranges [][2]int) {
	if p, ok := s.normalize(path); ok {
		s.local(localInput{kind: inputSelection, path: p, ranges: append([][2]int(nil), ranges...)})
	}
}

func (s *Session) normalize(path string) (string, bool) {
	p, err := room.NormalizePath(path)
	if err != nil {
		s.logger().Warn("ignoring local event: %v", err)
		return "", false
	}
	return p, true
}

func (s *Session) local(in localInput) {
	fx := s.begin()
	defer s.end(fx)
	if s.state != StateJoined {
		s.offline = append(s.offline, in)
		return
	}
	s.applyInputLocked(fx, in)
}

// localChanged diffs outside the lock when it can, so a large diff does not
// stall inbound messages. If the buffer moved meanwhile it retries once and
// then diffs under the lock.
func (s *Session) localChanged(path, text string) {
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.Lock()
		if s.state != StateJoined {
			s.mu.Unlock()
			break
		}
		buf, ok := s.room.ByPath(path)
		if !ok || !s.canSendPatchLocked(buf) {
			s.mu.Unlock()
			break
		}
		id, base, version := buf.ID, buf.Text, buf.Version
		s.mu.Unlock()

		ops := diffpatch.Compute(base, text, s.opts.DiffCeiling)

		fx := s.begin()
		buf, ok = s.room.Get(id)
		if ok && s.state == StateJoined && buf.Path == path && buf.Version == version &&
			buf.Text == base && s.canSendPatchLocked(buf) {
			s.sendPatchLocked(fx, buf, text, ops)
			s.end(fx)
			return
		}
		s.end(fx)
	}
	s.local(localInput{kind: inputChanged, path: path, text: text})
}

// canSendPatchLocked reports whether a text change to buf can go out as a
// patch right now.
func (s *Session) canSendPatchLocked(buf *room.Buffer) bool {
	return buf.Loaded && !buf.Binary() && !s.resyncing[buf.ID] && s.pending[buf.ID] == nil &&
		s.room.CanWrite(protocol.KindPatch)
}

func (s *Session) flushOfflineLocked(fx *effects) {
	inputs := s.offline
	s.offline = nil
	if len(inputs) > 0 {
		s.log.Debug("replaying %d local events", len(inputs))
	}
	for _, in := range inputs {
		s.applyInputLocked(fx, in)
	}
}

func (s *Session) applyInputLocked(fx *effects, in localInput) {
	switch in.kind {
	case inputChanged, inputCreated:
		buf, ok := s.room.ByPath(in.path)
		if !ok {
			s.createLocked(fx, in.path, in.text)
			return
		}
		s.submitLocked(fx, buf, in.text)

	case inputDeleted:
		buf, ok := s.room.ByPath(in.path)
		if !ok {
			return
		}
		if !s.room.CanWrite(protocol.KindDeleteBuf) {
			s.readOnlyLocked(fx, in.path)
			return
		}
		s.room.ApplyDelete(buf.ID)
		s.forgetBufferLocked(buf.ID)
		fx.send(&protocol.DeleteBuf{ID: buf.ID, Path: in.path, ReqID: s.nextReqLocked()})

	case inputRenamed:
		buf, ok := s.room.ByPath(in.path)
		if !ok {
			s.log.Debug("rename of unshared %s ignored", in.path)
			return
		}
		if !s.room.CanWrite(protocol.KindRenameBuf) {
			s.readOnlyLocked(fx, in.path)
			return
		}
		oldPath, err := s.room.ApplyRename(buf.ID, in.newPath)
		if err != nil {
			s.log.Warn("rename %s: %v", in.path, err)
			return
		}
		fx.send(&protocol.RenameBuf{ID: buf.ID, Path: buf.Path, OldPath: oldPath, ReqID: s.nextReqLocked()})

	case inputSelection:
		buf, ok := s.room.ByPath(in.path)
		if !ok {
			return
		}
		fx.send(&protocol.Highlight{ID: buf.ID, Ranges: in.ranges, ReqID: s.nextReqLocked()})
	}
}

// submitLocked shares text as the new content of buf, or queues it while a
// patch is unacknowledged or the buffer is being fetched. Only the latest
// queued text is kept.
func (s *Session) submitLocked(fx *effects, buf *room.Buffer, text string) {
	if !s.room.CanWrite(protocol.KindPatch) {
		s.readOnlyLocked(fx, buf.Path)
		return
	}
	if !buf.Loaded || s.resyncing[buf.ID] || s.pending[buf.ID] != nil {
		s.queued[buf.ID] = text
		return
	}
	if buf.Binary() {
		s.sendSetBufLocked(fx, buf, text)
		return
	}
	s.sendPatchLocked(fx, buf, text, diffpatch.Compute(buf.Text, text, s.opts.DiffCeiling))
}

func (s *Session) sendPatchLocked(fx *effects, buf *room.Buffer, text string, ops diffpatch.Script) {
	if ops.IsEmpty() {
		return
	}
	base, version := buf.Text, buf.Version
	if _, _, err := s.room.ApplyPatch(buf.ID, version, ops); err != nil {
		s.log.Error("local patch buf=%d: %v", buf.ID, err)
		return
	}
	reqID := s.nextReqLocked()
	s.pending[buf.ID] = &pendingPatch{base: version, ops: ops, reqID: reqID}
	s.inflight[reqID] = buf.ID
	fx.send(&protocol.Patch{
		ID:        buf.ID,
		Version:   version,
		Ops:       ops,
		MD5Before: protocol.MD5Hex(base),
		MD5After:  protocol.MD5Hex(text),
		ReqID:     reqID,
	})
	s.metrics.PatchesSent.Inc()
}

func (s *Session) sendSetBufLocked(fx *effects, buf *room.Buffer, text string) {
	if buf.Text == text {
		return
	}
	version := buf.Version
	s.room.SetContent(buf.ID, text, version+1)
	reqID := s.nextReqLocked()
	s.pending[buf.ID] = &pendingPatch{base: version, reqID: reqID}
	s.inflight[reqID] = buf.ID
	fx.send(&protocol.SetBuf{
		ID:       buf.ID,
		Buf:      protocol.EncodeContent(buf.Encoding, text),
		Encoding: buf.Encoding,
		MD5:      protocol.MD5Hex(text),
		Version:  version,
		ReqID:    reqID,
	})
}

func (s *Session) createLocked(fx *effects, path, text string) {
	if !s.room.CanWrite(protocol.KindCreateBuf) {
		s.readOnlyLocked(fx, path)
		return
	}
	if pc, ok := s.creating[path]; ok {
		pc.text = text
		return
	}
	encoding := workspace.DetectEncoding([]byte(text))
	reqID := s.nextReqLocked()
	s.creating[path] = &pendingCreate{reqID: reqID, text: text}
	fx.send(&protocol.CreateBuf{
		Path:     path,
		Buf:      protocol.EncodeContent(encoding, text),
		Encoding: encoding,
		MD5:      protocol.MD5Hex(text),
		ReqID:    reqID,
	})
}

// readOnlyLocked tells the editor once per join that local changes are not
// being shared.
func (s *Session) readOnlyLocked(fx *effects, path string) {
	s.log.Debug("read-only: not sharing change to %s", path)
	if s.roNotified {
		return
	}
	s.roNotified = true
	msg := fmt.Sprintf("read-only room: local change to %s not shared", path)
	fx.call(func() { s.editor.OnStatusMessage(msg) })
}
