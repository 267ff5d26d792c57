package session

import "github.com/codefionn/roomsync/internal/room"

// Cursor is a remote user's selection. Left is set when the user parted.
type Cursor struct {
	Path   string
	Ranges [][2]int
	Left   bool
}

// Editor is the front end driven by a Session. Calls arrive one at a time,
// in the order the engine produced them, on a goroutine that holds no
// session lock. An Editor may call back into the Session but must not
// block on Session.Wait.
type Editor interface {
	OnRemoteContentChanged(path, text string)
	OnBufferCreated(path, text string)
	OnBufferDeleted(path string)
	OnBufferRenamed(oldPath, newPath string)
	OnPresenceChanged(user room.User, cursor Cursor)
	OnStatusMessage(text string)
	OnErrorMessage(text string)
}

// NopEditor ignores every notification.
type NopEditor struct{}

func (NopEditor) OnRemoteContentChanged(string, string) {}
func (NopEditor) OnBufferCreated(string, string)        {}
func (NopEditor) OnBufferDeleted(string)                {}
func (NopEditor) OnBufferRenamed(string, string)        {}
func (NopEditor) OnPresenceChanged(room.User, Cursor)   {}
func (NopEditor) OnStatusMessage(string)                {}
func (NopEditor) OnErrorMessage(string)                 {}
