package protocol

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolError reports a frame that cannot be decoded: malformed JSON, a
// missing name, or a missing required field. The connection carrying it is
// no longer trustworthy.
type ProtocolError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Name != "" {
		msg += " in " + e.Name
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnknownKindError is returned for a well-formed frame whose name is not
// part of the known protocol. It is never fatal.
type UnknownKindError struct {
	Name string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind %q", e.Name)
}

type kindDef struct {
	newMessage func() Message
	required   []string
}

var kinds = map[string]kindDef{
	KindAuth:           {func() Message { return &Auth{} }, []string{"username", "secret", "room", "room_owner"}},
	KindAck:            {func() Message { return &Ack{} }, []string{"req_id"}},
	KindRoomInfo:       {func() Message { return &RoomInfo{} }, []string{"user_id", "bufs"}},
	KindCreateBuf:      {func() Message { return &CreateBuf{} }, []string{"path", "buf", "encoding"}},
	KindDeleteBuf:      {func() Message { return &DeleteBuf{} }, []string{"id"}},
	KindRenameBuf:      {func() Message { return &RenameBuf{} }, []string{"id", "path"}},
	KindPatch:          {func() Message { return &Patch{} }, []string{"id", "version", "ops"}},
	KindSetBuf:         {func() Message { return &SetBuf{} }, []string{"id", "buf", "encoding", "version"}},
	KindGetBuf:         {func() Message { return &GetBuf{} }, []string{"id"}},
	KindGetBufResponse: {func() Message { return &GetBufResponse{} }, []string{"id", "buf", "encoding", "version"}},
	KindJoin:           {func() Message { return &Join{} }, []string{"conn_id", "username"}},
	KindPart:           {func() Message { return &Part{} }, []string{"conn_id"}},
	KindHighlight:      {func() Message { return &Highlight{} }, []string{"id", "ranges"}},
	KindMsg:            {func() Message { return &Msg{} }, []string{"data"}},
	KindPing:           {func() Message { return &Ping{} }, nil},
	KindPong:           {func() Message { return &Pong{} }, nil},
	KindError:          {func() Message { return &Error{} }, []string{"msg"}},
	KindDisconnect:     {func() Message { return &Disconnect{} }, nil},
}

// Decode parses one frame.
func Decode(frame []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}

	var name string
	rawName, ok := fields["name"]
	if !ok {
		return nil, &ProtocolError{Reason: "missing name"}
	}
	if err := json.Unmarshal(rawName, &name); err != nil || name == "" {
		return nil, &ProtocolError{Reason: "name must be a non-empty string", Err: err}
	}

	def, ok := kinds[name]
	if !ok {
		return nil, &UnknownKindError{Name: name}
	}
	for _, field := range def.required {
		if v, ok := fields[field]; !ok || bytes.Equal(v, []byte("null")) {
			return nil, &ProtocolError{Name: name, Reason: "missing field " + field}
		}
	}

	msg := def.newMessage()
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, &ProtocolError{Name: name, Reason: "invalid field", Err: err}
	}
	return msg, nil
}

// Encode serializes msg as a single JSON object with its name set.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	name, _ := json.Marshal(msg.Kind())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(name) + 10)
	buf.WriteString(`{"name":`)
	buf.Write(name)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// DecodeContent converts wire content into the raw buffer text.
func DecodeContent(encoding, buf string) (string, error) {
	switch encoding {
	case EncodingUTF8, "":
		return buf, nil
	case EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(buf)
		if err != nil {
			return "", fmt.Errorf("decode base64 content: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// EncodeContent converts raw buffer text into its wire form.
func EncodeContent(encoding, text string) string {
	if encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString([]byte(text))
	}
	return text
}

// MD5Hex returns the hex md5 of text as used by the md5 fields.
func MD5Hex(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
