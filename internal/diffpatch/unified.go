package diffpatch

import (
	"bytes"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const unifiedContext = 3

// Unified renders a line-based unified diff between oldText and newText,
// used when logging resyncs. It returns "" when the texts are equal.
func Unified(path, oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	a, b := splitLines(oldText), splitLines(newText)
	changes := diffLines(a, b)
	if len(changes) == 0 {
		return ""
	}

	fd := &diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
	}
	for _, group := range groupChanges(changes) {
		fd.Hunks = append(fd.Hunks, buildHunk(a, b, group))
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return ""
	}
	return string(out)
}

// groupChanges splits changes into runs whose context windows touch.
func groupChanges(changes []change) [][]change {
	var groups [][]change
	start := 0
	for i := 1; i < len(changes); i++ {
		if changes[i].AStart-changes[i-1].AEnd > 2*unifiedContext {
			groups = append(groups, changes[start:i])
			start = i
		}
	}
	return append(groups, changes[start:])
}

func buildHunk(a, b []string, group []change) *diff.Hunk {
	first, last := group[0], group[len(group)-1]
	lead := min(unifiedContext, first.AStart)
	trail := min(unifiedContext, len(a)-last.AEnd)

	origStart := first.AStart - lead
	newStart := first.BStart - lead
	origEnd := last.AEnd + trail
	newEnd := last.BEnd + trail

	var body bytes.Buffer
	cursor := origStart
	for _, c := range group {
		for _, line := range a[cursor:c.AStart] {
			writeLine(&body, ' ', line)
		}
		for _, line := range a[c.AStart:c.AEnd] {
			writeLine(&body, '-', line)
		}
		for _, line := range b[c.BStart:c.BEnd] {
			writeLine(&body, '+', line)
		}
		cursor = c.AEnd
	}
	for _, line := range a[cursor:origEnd] {
		writeLine(&body, ' ', line)
	}

	return &diff.Hunk{
		OrigStartLine: int32(origStart + 1),
		OrigLines:     int32(origEnd - origStart),
		NewStartLine:  int32(newStart + 1),
		NewLines:      int32(newEnd - newStart),
		Body:          body.Bytes(),
	}
}

func writeLine(buf *bytes.Buffer, marker byte, line string) {
	buf.WriteByte(marker)
	buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		buf.WriteByte('\n')
	}
}

// splitLines splits s after each newline, keeping the terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
