// Package diffpatch computes, applies and rebases edit scripts over text.
//
// An edit script is an ascending list of non-overlapping operations, each
// replacing Del code points at Pos (counted in the old text) with Ins. All
// functions are pure; callers own the text they pass in.
package diffpatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultCeiling is the combined old+new length, in code points, above which
// Compute gives up on a fine-grained diff.
const DefaultCeiling = 1 << 20

// ErrOverlap is returned by Rebase when two scripts touch the same range.
var ErrOverlap = errors.New("edit scripts overlap")

// Op replaces Del code points at Pos with Ins.
type Op struct {
	Pos int    `json:"pos"`
	Del int    `json:"del"`
	Ins string `json:"ins,omitempty"`
}

func (o Op) end() int { return o.Pos + o.Del }

func (o Op) String() string {
	return fmt.Sprintf("%d,-%d,+%q", o.Pos, o.Del, o.Ins)
}

// Script is an ordered edit script.
type Script []Op

// IsEmpty reports whether s changes nothing.
func (s Script) IsEmpty() bool {
	for _, op := range s {
		if op.Del != 0 || op.Ins != "" {
			return false
		}
	}
	return true
}

// ApplyError is returned when a script cannot be applied to a text.
type ApplyError struct {
	Index  int // index of the offending op
	Op     Op
	Length int // length of the text in code points
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply op %d (%s) to text of length %d: %s", e.Index, e.Op, e.Length, e.Reason)
}

// Compute returns a script turning oldText into newText. When the combined
// length exceeds ceiling (ceiling <= 0 means DefaultCeiling) the result is a
// single whole-buffer replace.
func Compute(oldText, newText string, ceiling int) Script {
	if oldText == newText {
		return nil
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	a, b := []rune(oldText), []rune(newText)
	if len(a)+len(b) > ceiling {
		return Script{{Pos: 0, Del: len(a), Ins: newText}}
	}

	changes := diffRunes(a, b)
	script := make(Script, 0, len(changes))
	for _, c := range changes {
		script = append(script, Op{
			Pos: c.AStart,
			Del: c.AEnd - c.AStart,
			Ins: string(b[c.BStart:c.BEnd]),
		})
	}
	return script
}

// Apply applies script to text. Ops must be ascending, non-overlapping and
// within the text; otherwise an *ApplyError is returned and text is left as is.
func Apply(text string, script Script) (string, error) {
	if len(script) == 0 {
		return text, nil
	}
	r := []rune(text)
	var out strings.Builder
	out.Grow(len(text))

	cursor := 0
	for i, op := range script {
		switch {
		case op.Pos < 0 || op.Del < 0:
			return "", &ApplyError{Index: i, Op: op, Length: len(r), Reason: "negative position or length"}
		case op.Pos < cursor:
			return "", &ApplyError{Index: i, Op: op, Length: len(r), Reason: "overlaps previous op"}
		case op.Pos > len(r) || op.Del > len(r)-op.Pos:
			return "", &ApplyError{Index: i, Op: op, Length: len(r), Reason: "range exceeds text length"}
		}
		out.WriteString(string(r[cursor:op.Pos]))
		out.WriteString(op.Ins)
		cursor = op.Pos + op.Del
	}
	out.WriteString(string(r[cursor:]))
	return out.String(), nil
}

// Rebase transforms script, computed against some base text, so that it
// applies after past, which was computed against the same base and has
// already been applied. Any range overlap between the two scripts, including
// two inserts at the same position, yields ErrOverlap.
func Rebase(script, past Script) (Script, error) {
	if len(past) == 0 {
		return script, nil
	}
	out := make(Script, 0, len(script))
	for _, op := range script {
		shift := 0
		for _, p := range past {
			if overlaps(op, p) {
				return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, op, p)
			}
			if p.end() <= op.Pos {
				shift += utf8.RuneCountInString(p.Ins) - p.Del
			}
		}
		op.Pos += shift
		out = append(out, op)
	}
	return out, nil
}

func overlaps(a, b Op) bool {
	switch {
	case a.Del == 0 && b.Del == 0:
		return a.Pos == b.Pos
	case a.Del == 0:
		return b.Pos < a.Pos && a.Pos < b.end()
	case b.Del == 0:
		return a.Pos < b.Pos && b.Pos < a.end()
	default:
		return a.Pos < b.end() && b.Pos < a.end()
	}
}
