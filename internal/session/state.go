package session

// State is the lifecycle state of a session.
type State int32

const (
	// StateDisconnected means there is no connection.
	StateDisconnected State = iota
	// StateConnecting means the transport is being dialed.
	StateConnecting
	// StateAuthenticating means auth was sent and no answer arrived yet.
	StateAuthenticating
	// StateJoining means auth was accepted and the room snapshot is awaited.
	StateJoining
	// StateJoined means the room is mirrored and edits flow both ways.
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}
