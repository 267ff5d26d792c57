package main

import (
	"bytes"
	"errors"
	"flag"
	"path/filepath"
	"testing"

	"github.com/codefionn/roomsync/internal/config"
	"github.com/codefionn/roomsync/internal/history"
	"github.com/codefionn/roomsync/internal/room"
	"github.com/codefionn/roomsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoom(t *testing.T) {
	tests := []struct {
		in      string
		want    session.RoomRef
		wantErr bool
	}{
		{in: "alice/demo", want: session.RoomRef{Owner: "alice", Name: "demo"}},
		{in: " alice/demo/ ", want: session.RoomRef{Owner: "alice", Name: "demo"}},
		{in: "https://floobits.com/alice/demo", want: session.RoomRef{Owner: "alice", Name: "demo"}},
		{in: "alice", wantErr: true},
		{in: "alice/demo/extra", wantErr: true},
		{in: "/demo", wantErr: true},
		{in: "https://floobits.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseRoom(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-dir", "/work", "-room", "alice/demo", "-user", "bob"})
	require.NoError(t, err)
	assert.Equal(t, "/work", opts.dir)
	assert.Equal(t, "alice/demo", opts.room)
	assert.Equal(t, "bob", opts.username)
	assert.False(t, opts.listHistory)

	opts, err = parseArgs([]string{"-history"})
	require.NoError(t, err)
	assert.True(t, opts.listHistory)
	assert.Equal(t, ".", opts.dir)

	opts, err = parseArgs([]string{"-forget", "alice/demo", "-endpoint", "tcp://localhost:3448"})
	require.NoError(t, err)
	assert.Equal(t, "alice/demo", opts.forget)
	assert.Equal(t, "tcp://localhost:3448", opts.endpoint)

	_, err = parseArgs([]string{"stray"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"-h"})
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestForgetRoom(t *testing.T) {
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	cfg := &config.Config{Endpoint: "tls://floobits.com:3448"}
	require.NoError(t, hist.Record(cfg.Endpoint, "alice", "demo", "/work/demo"))
	require.NoError(t, hist.Record("tcp://localhost:3448", "alice", "demo", "/work/local"))

	require.NoError(t, forgetRoom(cfg, &options{forget: "alice/demo"}, hist))
	entries, err := hist.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tcp://localhost:3448", entries[0].Endpoint)

	require.NoError(t, forgetRoom(cfg, &options{forget: "alice/demo", endpoint: "tcp://localhost:3448"}, hist))
	entries, err = hist.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Error(t, forgetRoom(cfg, &options{forget: "nope"}, hist))
}

type recordingStore struct {
	writes  map[string]string
	removed []string
	renamed [][2]string
	fail    error
}

func (r *recordingStore) WriteFile(path string, data []byte) error {
	if r.fail != nil {
		return r.fail
	}
	r.writes[path] = string(data)
	return nil
}

func (r *recordingStore) Remove(path string) error {
	r.removed = append(r.removed, path)
	return nil
}

func (r *recordingStore) Rename(oldPath, newPath string) error {
	r.renamed = append(r.renamed, [2]string{oldPath, newPath})
	return nil
}

func TestDiskEditorWritesThrough(t *testing.T) {
	var out bytes.Buffer
	store := &recordingStore{writes: map[string]string{}}
	ed := newDiskEditor(&out)

	// before attach, remote changes have nowhere to go
	ed.OnRemoteContentChanged("a.txt", "early")
	assert.Empty(t, store.writes)

	ed.attach(store)
	ed.OnBufferCreated("a.txt", "hello")
	ed.OnRemoteContentChanged("b/c.txt", "world")
	ed.OnBufferRenamed("a.txt", "d.txt")
	ed.OnBufferDeleted("b/c.txt")

	assert.Equal(t, map[string]string{"a.txt": "hello", "b/c.txt": "world"}, store.writes)
	assert.Equal(t, [][2]string{{"a.txt", "d.txt"}}, store.renamed)
	assert.Equal(t, []string{"b/c.txt"}, store.removed)
	assert.Empty(t, out.String())
}

func TestDiskEditorReportsWriteFailure(t *testing.T) {
	var out bytes.Buffer
	ed := newDiskEditor(&out)
	ed.attach(&recordingStore{fail: errors.New("disk full")})

	ed.OnRemoteContentChanged("a.txt", "x")
	assert.Contains(t, out.String(), "could not write a.txt: disk full")
}

func TestDiskEditorMessages(t *testing.T) {
	var out bytes.Buffer
	ed := newDiskEditor(&out)
	bob := room.User{Username: "bob", Client: "emacs"}

	ed.OnStatusMessage("joined alice/demo")
	ed.OnPresenceChanged(bob, session.Cursor{})
	ed.OnPresenceChanged(bob, session.Cursor{Path: "a.txt", Ranges: [][2]int{{1, 2}}})
	ed.OnPresenceChanged(bob, session.Cursor{Left: true})
	ed.OnErrorMessage("boom")

	assert.Equal(t, "joined alice/demo\n"+
		"bob joined the room (emacs)\n"+
		"bob left the room\n"+
		"error: boom\n", out.String())
}
