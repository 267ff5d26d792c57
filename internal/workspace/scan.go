// Package workspace maps a local directory tree onto room buffers: it scans
// shareable files, applies ignore rules, watches for changes and performs
// the file writes requested by remote edits.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/roomsync/internal/protocol"
	"github.com/codefionn/roomsync/internal/room"
)

// DefaultMaxFileBytes bounds the size of a shared file.
const DefaultMaxFileBytes = 5 << 20

// File is one shareable file found by Scan.
type File struct {
	// Path is room-relative with forward slashes.
	Path     string
	Text     string
	Encoding string
}

// ScanOptions tunes Scan.
type ScanOptions struct {
	MaxFileBytes int64
	// OnSkip, if set, is told about files left out and why.
	OnSkip func(path, reason string)
}

// Scan walks root and returns every shareable file not excluded by ignore,
// sorted by path. Symlinks, special files and files above MaxFileBytes are
// skipped. A nil ignore excludes nothing.
func Scan(ctx context.Context, root string, ignore IgnoreFunc, opts ScanOptions) ([]File, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	skip := func(path, reason string) {
		if opts.OnSkip != nil {
			opts.OnSkip(path, reason)
		}
	}

	var files []File
	err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if abs == root {
				return err
			}
			skip(abs, err.Error())
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if abs == root {
			return nil
		}

		rel, err := RelPath(root, abs)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore(rel) {
			return nil
		}
		if !Sharable(d.Type()) {
			skip(rel, "not a regular file")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			skip(rel, err.Error())
			return nil
		}
		if info.Size() > opts.MaxFileBytes {
			skip(rel, fmt.Sprintf("larger than %d bytes", opts.MaxFileBytes))
			return nil
		}

		data, err := ReadFile(abs)
		if err != nil {
			skip(rel, err.Error())
			return nil
		}
		files = append(files, File{Path: rel, Text: string(data), Encoding: DetectEncoding(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Sharable reports whether a directory entry of the given type may be
// shared: regular files only, never symlinks, devices, pipes or sockets.
func Sharable(mode fs.FileMode) bool {
	return mode.Type() == 0
}

// DetectEncoding classifies content as utf8 text or base64 binary. Content
// with a NUL byte or invalid UTF-8 is binary.
func DetectEncoding(data []byte) string {
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return protocol.EncodingBase64
	}
	return protocol.EncodingUTF8
}

// RelPath converts an absolute path under root into a room path.
func RelPath(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path is outside the workspace")
	}
	return room.NormalizePath(rel)
}

// AbsPath converts a room path into an absolute path under root.
func AbsPath(root, roomPath string) (string, error) {
	p, err := room.NormalizePath(roomPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(p)), nil
}
