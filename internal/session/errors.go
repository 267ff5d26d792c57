package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by RequestJoin while a session is active.
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrGaveUp is returned by Wait once reconnect attempts are exhausted.
	ErrGaveUp = errors.New("session: reconnect attempts exhausted")
)

// FatalKind classifies errors that end a session without reconnecting.
type FatalKind int

const (
	AuthError FatalKind = iota + 1
	PermissionError
	ServerDisconnect
)

func (k FatalKind) String() string {
	switch k {
	case AuthError:
		return "auth"
	case PermissionError:
		return "permission"
	case ServerDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// FatalError ends the session; the engine does not reconnect after it.
type FatalError struct {
	Kind FatalKind
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session: %s error: %s", e.Kind, e.Msg)
}

// IsFatal reports whether err ended the session for good.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
