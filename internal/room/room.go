// Package room holds the local mirror of a server room: the buffer table,
// the connected users and the local user's permissions.
//
// Room is not safe for concurrent use; the session serializes access.
package room

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/protocol"
)

var (
	// ErrNoBuffer is returned for operations on an unknown buffer id.
	ErrNoBuffer = errors.New("no such buffer")
	// ErrPathTaken is returned when a create or rename collides with an existing path.
	ErrPathTaken = errors.New("path already in use")
	// ErrBinary is returned when a text patch targets a base64 buffer.
	ErrBinary = errors.New("buffer is binary")
)

// VersionMismatchError reports a patch computed against a version other
// than the buffer's current one.
type VersionMismatchError struct {
	BufferID int
	Base     int
	Current  int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("buffer %d: patch base version %d, current version %d", e.BufferID, e.Base, e.Current)
}

// Buffer is one shared file.
type Buffer struct {
	ID       int
	Path     string
	Encoding string
	Text     string
	Version  int
	// Loaded is false until content has been received or adopted from disk.
	Loaded bool
	// MD5 is the server-reported checksum, kept while the content is not loaded.
	MD5 string
}

// Binary reports whether the buffer bypasses the text diff engine.
func (b *Buffer) Binary() bool {
	return b.Encoding == protocol.EncodingBase64
}

// Presence is a user's cursor state.
type Presence struct {
	BufferID int
	Ranges   [][2]int
}

// User is a connected participant.
type User struct {
	ConnID   int
	UserID   int
	Username string
	Client   string
	Platform string
	Perms    []string
	Presence Presence
}

// Room is the local mirror of the server's room state.
type Room struct {
	Owner  string
	Name   string
	ConnID int

	perms   map[string]bool
	buffers map[int]*Buffer
	byPath  map[string]*Buffer
	users   map[int]*User
}

// New returns an empty room.
func New(owner, name string) *Room {
	return &Room{
		Owner:   owner,
		Name:    name,
		perms:   make(map[string]bool),
		buffers: make(map[int]*Buffer),
		byPath:  make(map[string]*Buffer),
		users:   make(map[int]*User),
	}
}

// ID returns "owner/name".
func (r *Room) ID() string {
	return r.Owner + "/" + r.Name
}

// ApplyRoomInfo replaces the whole room state with snapshot. Buffers whose
// snapshot version and checksum match what is already held keep their
// loaded content, so replaying a snapshot changes nothing.
func (r *Room) ApplyRoomInfo(snapshot *protocol.RoomInfo) error {
	buffers := make(map[int]*Buffer, len(snapshot.Bufs))
	byPath := make(map[string]*Buffer, len(snapshot.Bufs))

	for key, info := range snapshot.Bufs {
		id := info.ID
		if id == 0 {
			parsed, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("room_info: bad buffer key %q", key)
			}
			id = parsed
		}
		p, err := NormalizePath(info.Path)
		if err != nil {
			return fmt.Errorf("room_info: buffer %d: %w", id, err)
		}
		if _, dup := byPath[p]; dup {
			return fmt.Errorf("room_info: buffer %d: %w: %s", id, ErrPathTaken, p)
		}

		buf := &Buffer{
			ID:       id,
			Path:     p,
			Encoding: info.Encoding,
			Version:  info.Version,
			MD5:      info.MD5,
		}
		if buf.Encoding == "" {
			buf.Encoding = protocol.EncodingUTF8
		}
		switch {
		case info.Buf != nil:
			text, err := protocol.DecodeContent(buf.Encoding, *info.Buf)
			if err != nil {
				return fmt.Errorf("room_info: buffer %d: %w", id, err)
			}
			buf.Text, buf.Loaded = text, true
		default:
			if old, ok := r.buffers[id]; ok && old.Loaded && old.Version == info.Version &&
				(info.MD5 == "" || protocol.MD5Hex(old.Text) == info.MD5) {
				buf.Text, buf.Loaded = old.Text, true
			}
		}
		buffers[id] = buf
		byPath[p] = buf
	}

	users := make(map[int]*User, len(snapshot.Users))
	for key, info := range snapshot.Users {
		connID := info.ConnID
		if connID == 0 {
			if parsed, err := strconv.Atoi(key); err == nil {
				connID = parsed
			}
		}
		users[connID] = &User{
			ConnID:   connID,
			UserID:   info.UserID,
			Username: info.Username,
			Client:   info.Client,
			Platform: info.Platform,
			Perms:    append([]string(nil), info.Perms...),
		}
	}

	perms := make(map[string]bool, len(snapshot.Perms))
	for _, p := range snapshot.Perms {
		perms[p] = true
	}

	if snapshot.Owner != "" {
		r.Owner = snapshot.Owner
	}
	if snapshot.RoomName != "" {
		r.Name = snapshot.RoomName
	}
	r.ConnID = snapshot.UserID
	r.perms = perms
	r.buffers = buffers
	r.byPath = byPath
	r.users = users
	return nil
}

// CanWrite reports whether the local user may send messages of the given
// kind, such as "patch" or "create_buf".
func (r *Room) CanWrite(kind string) bool {
	return r.perms[kind]
}

// Perms returns the local user's permissions, sorted.
func (r *Room) Perms() []string {
	out := make([]string, 0, len(r.perms))
	for p := range r.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get returns the buffer with the given id.
func (r *Room) Get(id int) (*Buffer, bool) {
	b, ok := r.buffers[id]
	return b, ok
}

// ByPath returns the buffer at a normalized room path.
func (r *Room) ByPath(p string) (*Buffer, bool) {
	b, ok := r.byPath[p]
	return b, ok
}

// Buffers returns all buffers sorted by path.
func (r *Room) Buffers() []*Buffer {
	out := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ApplyCreate adds a buffer announced by the server.
func (r *Room) ApplyCreate(buf Buffer) (*Buffer, error) {
	p, err := NormalizePath(buf.Path)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.byPath[p]; ok && existing.ID != buf.ID {
		return nil, fmt.Errorf("create buffer %d: %w: %s", buf.ID, ErrPathTaken, p)
	}
	if old, ok := r.buffers[buf.ID]; ok {
		delete(r.byPath, old.Path)
	}
	b := buf
	b.Path = p
	if b.Encoding == "" {
		b.Encoding = protocol.EncodingUTF8
	}
	r.buffers[b.ID] = &b
	r.byPath[p] = &b
	return &b, nil
}

// ApplyDelete removes a buffer and returns it.
func (r *Room) ApplyDelete(id int) (*Buffer, error) {
	b, ok := r.buffers[id]
	if !ok {
		return nil, fmt.Errorf("delete buffer %d: %w", id, ErrNoBuffer)
	}
	delete(r.buffers, id)
	delete(r.byPath, b.Path)
	return b, nil
}

// ApplyRename moves a buffer and returns its previous path.
func (r *Room) ApplyRename(id int, newPath string) (string, error) {
	b, ok := r.buffers[id]
	if !ok {
		return "", fmt.Errorf("rename buffer %d: %w", id, ErrNoBuffer)
	}
	p, err := NormalizePath(newPath)
	if err != nil {
		return "", err
	}
	if other, ok := r.byPath[p]; ok && other.ID != id {
		return "", fmt.Errorf("rename buffer %d: %w: %s", id, ErrPathTaken, p)
	}
	oldPath := b.Path
	delete(r.byPath, oldPath)
	b.Path = p
	r.byPath[p] = b
	return oldPath, nil
}

// ApplyPatch applies ops computed against baseVersion. On success the
// buffer's version grows by exactly one. A mismatched base returns a
// *VersionMismatchError and an invalid script a *diffpatch.ApplyError; in
// both cases the buffer is untouched.
func (r *Room) ApplyPatch(id, baseVersion int, ops diffpatch.Script) (string, int, error) {
	b, ok := r.buffers[id]
	if !ok {
		return "", 0, fmt.Errorf("patch buffer %d: %w", id, ErrNoBuffer)
	}
	if baseVersion != b.Version {
		return "", 0, &VersionMismatchError{BufferID: id, Base: baseVersion, Current: b.Version}
	}
	if b.Binary() {
		return "", 0, fmt.Errorf("patch buffer %d: %w", id, ErrBinary)
	}
	text, err := diffpatch.Apply(b.Text, ops)
	if err != nil {
		return "", 0, err
	}
	b.Text = text
	b.Version++
	return b.Text, b.Version, nil
}

// SetContent replaces a buffer's content and version wholesale, as after a
// resync or a whole-content replace.
func (r *Room) SetContent(id int, text string, version int) error {
	b, ok := r.buffers[id]
	if !ok {
		return fmt.Errorf("set buffer %d: %w", id, ErrNoBuffer)
	}
	b.Text = text
	b.Version = version
	b.Loaded = true
	b.MD5 = ""
	return nil
}

// Users returns the connected users ordered by connection id.
func (r *Room) Users() []*User {
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// AddUser records a joining user, replacing any previous entry.
func (r *Room) AddUser(u User) *User {
	nu := u
	r.users[u.ConnID] = &nu
	return &nu
}

// RemoveUser drops a departing user.
func (r *Room) RemoveUser(connID int) (*User, bool) {
	u, ok := r.users[connID]
	if ok {
		delete(r.users, connID)
	}
	return u, ok
}

// SetPresence records a user's cursor state. Unknown users are ignored.
func (r *Room) SetPresence(connID, bufferID int, ranges [][2]int) (*User, bool) {
	u, ok := r.users[connID]
	if !ok {
		return nil, false
	}
	u.Presence = Presence{BufferID: bufferID, Ranges: append([][2]int(nil), ranges...)}
	return u, true
}

// NormalizePath turns p into a room path: forward slashes, cleaned, no
// leading "./" or "/". Paths escaping the room root are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(strings.TrimLeft(p, "/"))
	if p == "." {
		return "", fmt.Errorf("invalid buffer path %q", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("buffer path %q escapes the room", p)
	}
	return p, nil
}
