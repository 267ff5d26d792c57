package securemem

import (
	"github.com/awnumar/memguard"
)

// String holds a secret in a locked, guarded buffer.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString copies plaintext into protected memory.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// NewStringFromBytes moves data into protected memory. data is wiped.
func NewStringFromBytes(data []byte) *String {
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

func (s *String) usable() bool {
	return s != nil && !s.invalid && s.buf != nil
}

// String returns a plaintext copy in regular memory. Prefer WithValue.
func (s *String) String() string {
	if !s.usable() {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or destroyed.
func (s *String) IsEmpty() bool {
	if !s.usable() {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Destroy wipes the secret. The String reads as empty afterwards.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// WithValue calls fn with the plaintext. fn must not retain it.
func (s *String) WithValue(fn func(string)) {
	if !s.usable() {
		return
	}
	fn(string(s.buf.Bytes()))
}

// WithBytes calls fn with a temporary plaintext copy that is wiped when fn
// returns.
func (s *String) WithBytes(fn func([]byte)) {
	if !s.usable() {
		return
	}
	b := s.buf.Bytes()
	tmp := make([]byte, len(b))
	copy(tmp, b)
	defer memguard.WipeBytes(tmp)
	fn(tmp)
}
