// Package protocol defines the wire messages exchanged with the room server.
//
// Every frame is a JSON object whose "name" field selects the message kind.
// Field names here are the interoperability contract with the server and
// must not change.
package protocol

import "github.com/codefionn/roomsync/internal/diffpatch"

// Message kinds.
const (
	KindAuth           = "auth"
	KindAck            = "ack"
	KindRoomInfo       = "room_info"
	KindCreateBuf      = "create_buf"
	KindDeleteBuf      = "delete_buf"
	KindRenameBuf      = "rename_buf"
	KindPatch          = "patch"
	KindSetBuf         = "set_buf"
	KindGetBuf         = "get_buf"
	KindGetBufResponse = "get_buf_response"
	KindJoin           = "join"
	KindPart           = "part"
	KindHighlight      = "highlight"
	KindMsg            = "msg"
	KindPing           = "ping"
	KindPong           = "pong"
	KindError          = "error"
	KindDisconnect     = "disconnect"
)

// Buffer content encodings.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// Error codes carried by Error.Code.
const (
	ErrorCodeAuth       = "auth"
	ErrorCodePermission = "permission"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() string
}

// Auth is the first frame sent on a new connection.
type Auth struct {
	Username           string   `json:"username"`
	Secret             string   `json:"secret"`
	Room               string   `json:"room"`
	RoomOwner          string   `json:"room_owner"`
	Client             string   `json:"client"`
	Platform           string   `json:"platform"`
	Version            string   `json:"version"`
	SupportedEncodings []string `json:"supported_encodings"`
	ReqID              int      `json:"req_id,omitempty"`
}

// Ack acknowledges a request carrying ReqID.
type Ack struct {
	ReqID int `json:"req_id"`
}

// BufferInfo describes one buffer inside a room snapshot.
// Buf is only present when the server inlines content.
type BufferInfo struct {
	ID       int     `json:"id"`
	Path     string  `json:"path"`
	Encoding string  `json:"encoding"`
	MD5      string  `json:"md5,omitempty"`
	Version  int     `json:"version"`
	Buf      *string `json:"buf,omitempty"`
}

// UserInfo describes one connected user.
type UserInfo struct {
	ConnID   int      `json:"conn_id,omitempty"`
	UserID   int      `json:"user_id"`
	Username string   `json:"username"`
	Client   string   `json:"client,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Perms    []string `json:"perms,omitempty"`
}

// RoomInfo is the full room snapshot sent after a successful auth.
// Bufs is keyed by buffer id, Users by connection id.
type RoomInfo struct {
	RoomName string                `json:"room_name"`
	Owner    string                `json:"owner"`
	UserID   int                   `json:"user_id"`
	Perms    []string              `json:"perms"`
	Bufs     map[string]BufferInfo `json:"bufs"`
	Users    map[string]UserInfo   `json:"users"`
}

// CreateBuf announces a new buffer. The client leaves ID and Version unset.
type CreateBuf struct {
	ID       int    `json:"id,omitempty"`
	Path     string `json:"path"`
	Buf      string `json:"buf"`
	Encoding string `json:"encoding"`
	MD5      string `json:"md5,omitempty"`
	Version  int    `json:"version,omitempty"`
	UserID   int    `json:"user_id,omitempty"`
	ReqID    int    `json:"req_id,omitempty"`
}

// DeleteBuf removes a buffer.
type DeleteBuf struct {
	ID     int    `json:"id"`
	Path   string `json:"path,omitempty"`
	UserID int    `json:"user_id,omitempty"`
	Unlink bool   `json:"unlink,omitempty"`
	ReqID  int    `json:"req_id,omitempty"`
}

// RenameBuf moves a buffer to a new path.
type RenameBuf struct {
	ID      int    `json:"id"`
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
	UserID  int    `json:"user_id,omitempty"`
	ReqID   int    `json:"req_id,omitempty"`
}

// Patch carries an edit script computed against buffer version Version.
type Patch struct {
	ID        int              `json:"id"`
	Version   int              `json:"version"`
	Ops       diffpatch.Script `json:"ops"`
	MD5Before string           `json:"md5_before,omitempty"`
	MD5After  string           `json:"md5_after,omitempty"`
	UserID    int              `json:"user_id,omitempty"`
	Username  string           `json:"username,omitempty"`
	ReqID     int              `json:"req_id,omitempty"`
}

// SetBuf replaces a buffer's content wholesale. Version is the base version.
type SetBuf struct {
	ID       int    `json:"id"`
	Buf      string `json:"buf"`
	Encoding string `json:"encoding"`
	MD5      string `json:"md5,omitempty"`
	Version  int    `json:"version"`
	UserID   int    `json:"user_id,omitempty"`
	ReqID    int    `json:"req_id,omitempty"`
}

// GetBuf requests a buffer's full content.
type GetBuf struct {
	ID    int `json:"id"`
	ReqID int `json:"req_id,omitempty"`
}

// GetBufResponse carries a buffer's full, authoritative content.
type GetBufResponse struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Buf      string `json:"buf"`
	Encoding string `json:"encoding"`
	MD5      string `json:"md5,omitempty"`
	Version  int    `json:"version"`
}

// Join announces a user connecting to the room.
type Join struct {
	ConnID   int      `json:"conn_id"`
	UserID   int      `json:"user_id"`
	Username string   `json:"username"`
	Client   string   `json:"client,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Perms    []string `json:"perms,omitempty"`
}

// Part announces a user leaving the room.
type Part struct {
	ConnID   int    `json:"conn_id"`
	UserID   int    `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Highlight carries a user's selection ranges in a buffer.
type Highlight struct {
	ID     int      `json:"id"`
	Ranges [][2]int `json:"ranges"`
	UserID int      `json:"user_id,omitempty"`
	ConnID int      `json:"conn_id,omitempty"`
	ReqID  int      `json:"req_id,omitempty"`
}

// Msg is a chat line.
type Msg struct {
	Username string  `json:"username"`
	Data     string  `json:"data"`
	Time     float64 `json:"time,omitempty"`
}

// Ping is a server keep-alive; the client answers with Pong.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// Error reports a server-side fault. ReqID is set when it answers a request.
type Error struct {
	Msg   string `json:"msg"`
	Code  string `json:"code,omitempty"`
	ReqID int    `json:"req_id,omitempty"`
	Flash bool   `json:"flash,omitempty"`
}

// Disconnect tells the client the server is closing the session for good.
type Disconnect struct {
	Reason string `json:"reason"`
}

func (*Auth) Kind() string           { return KindAuth }
func (*Ack) Kind() string            { return KindAck }
func (*RoomInfo) Kind() string       { return KindRoomInfo }
func (*CreateBuf) Kind() string      { return KindCreateBuf }
func (*DeleteBuf) Kind() string      { return KindDeleteBuf }
func (*RenameBuf) Kind() string      { return KindRenameBuf }
func (*Patch) Kind() string          { return KindPatch }
func (*SetBuf) Kind() string         { return KindSetBuf }
func (*GetBuf) Kind() string         { return KindGetBuf }
func (*GetBufResponse) Kind() string { return KindGetBufResponse }
func (*Join) Kind() string           { return KindJoin }
func (*Part) Kind() string           { return KindPart }
func (*Highlight) Kind() string      { return KindHighlight }
func (*Msg) Kind() string            { return KindMsg }
func (*Ping) Kind() string           { return KindPing }
func (*Pong) Kind() string           { return KindPong }
func (*Error) Kind() string          { return KindError }
func (*Disconnect) Kind() string     { return KindDisconnect }
