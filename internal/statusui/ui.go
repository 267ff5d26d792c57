package statusui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/session"
)

var _ session.Editor = (*UI)(nil)

// UI runs the status screen and implements session.Editor by forwarding
// every callback to an inner editor and then to the screen.
type UI struct {
	inner   session.Editor
	program *tea.Program
}

// New prepares the screen. status is polled for the connection state and
// leave is called once when the user quits; the screen stays up until
// Finish is called.
func New(title string, inner session.Editor, status func() session.State, leave func()) *UI {
	if inner == nil {
		inner = session.NopEditor{}
	}
	m := newModel(title, status, leave)
	return &UI{inner: inner, program: tea.NewProgram(m, tea.WithAltScreen())}
}

// Run blocks until the screen exits.
func (u *UI) Run() error {
	_, err := u.program.Run()
	return err
}

// Finish reports the session result and closes the screen.
func (u *UI) Finish(err error) {
	u.program.Send(doneMsg{err: err})
}

func (u *UI) OnRemoteContentChanged(path, text string) {
	u.inner.OnRemoteContentChanged(path, text)
}

func (u *UI) OnBufferCreated(path, text string) {
	u.inner.OnBufferCreated(path, text)
	u.program.Send(eventMsg{text: "new file " + path})
}

func (u *UI) OnBufferDeleted(path string) {
	u.inner.OnBufferDeleted(path)
	u.program.Send(eventMsg{text: "deleted " + path})
}

func (u *UI) OnBufferRenamed(oldPath, newPath string) {
	u.inner.OnBufferRenamed(oldPath, newPath)
	u.program.Send(eventMsg{text: "renamed " + oldPath + " -> " + newPath})
}

func (u *UI) OnPresenceChanged(user room.User, cursor session.Cursor) {
	u.inner.OnPresenceChanged(user, cursor)
	u.program.Send(presenceMsg{user: user, cursor: cursor})
}

func (u *UI) OnStatusMessage(text string) {
	u.inner.OnStatusMessage(text)
	u.program.Send(eventMsg{text: text})
}

func (u *UI) OnErrorMessage(text string) {
	u.inner.OnErrorMessage(text)
	u.program.Send(eventMsg{text: text, err: true})
}
