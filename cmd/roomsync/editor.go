package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/session"
)

// fileStore is the part of workspace.Watcher the editor writes through, so
// that its own writes are not reported back as local edits.
type fileStore interface {
	WriteFile(roomPath string, data []byte) error
	Remove(roomPath string) error
	Rename(oldPath, newPath string) error
}

// diskEditor mirrors remote buffer changes onto the workspace directory and
// prints status lines for the user.
type diskEditor struct {
	mu    sync.Mutex
	files fileStore
	out   io.Writer
	log   *logger.Logger
}

func newDiskEditor(out io.Writer) *diskEditor {
	return &diskEditor{out: out, log: logger.Global().WithPrefix("editor")}
}

func (e *diskEditor) attach(files fileStore) {
	e.mu.Lock()
	e.files = files
	e.mu.Unlock()
}

func (e *diskEditor) store() fileStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.files
}

func (e *diskEditor) write(path, text string) {
	fs := e.store()
	if fs == nil {
		return
	}
	if err := fs.WriteFile(path, []byte(text)); err != nil {
		e.log.Error("write %s: %v", path, err)
		fmt.Fprintf(e.out, "error: could not write %s: %v\n", path, err)
	}
}

func (e *diskEditor) OnRemoteContentChanged(path, text string) {
	e.write(path, text)
}

func (e *diskEditor) OnBufferCreated(path, text string) {
	e.write(path, text)
}

func (e *diskEditor) OnBufferDeleted(path string) {
	fs := e.store()
	if fs == nil {
		return
	}
	if err := fs.Remove(path); err != nil {
		e.log.Error("remove %s: %v", path, err)
	}
}

func (e *diskEditor) OnBufferRenamed(oldPath, newPath string) {
	fs := e.store()
	if fs == nil {
		return
	}
	if err := fs.Rename(oldPath, newPath); err != nil {
		e.log.Error("rename %s -> %s: %v", oldPath, newPath, err)
	}
}

func (e *diskEditor) OnPresenceChanged(user room.User, cursor session.Cursor) {
	if cursor.Left {
		fmt.Fprintf(e.out, "%s left the room\n", user.Username)
		return
	}
	if cursor.Path == "" {
		fmt.Fprintf(e.out, "%s joined the room (%s)\n", user.Username, user.Client)
		return
	}
	e.log.Debug("%s at %s %v", user.Username, cursor.Path, cursor.Ranges)
}

func (e *diskEditor) OnStatusMessage(text string) {
	fmt.Fprintln(e.out, text)
}

func (e *diskEditor) OnErrorMessage(text string) {
	fmt.Fprintf(e.out, "error: %s\n", text)
}
