// Package securemem keeps credentials in memguard-protected memory so the
// room secret does not sit in the Go heap between reconnects.
//
// The package does not install memguard's interrupt handler: the CLI needs
// SIGINT to leave the room cleanly. Call Cleanup on the way out instead.
package securemem

import "github.com/awnumar/memguard"

// Cleanup wipes every protected buffer.
func Cleanup() {
	memguard.Purge()
}

// Wipe zeroes data in place.
func Wipe(data []byte) {
	memguard.WipeBytes(data)
}
