package diffpatch

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// change is one replaced range: a[AStart:AEnd] became b[BStart:BEnd].
type change struct {
	AStart, AEnd int
	BStart, BEnd int
}

// diffRunes returns the changed ranges between a and b, ascending and disjoint.
func diffRunes(a, b []rune) []change {
	dmp := diffmatchpatch.New()
	// No deadline, so equal inputs always give equal scripts.
	dmp.DiffTimeout = 0
	return changesOf(dmp.DiffMainRunes(a, b, false))
}

// diffLines is diffRunes over whole lines. Each distinct line is encoded as
// its own rune.
func diffLines(a, b []string) []change {
	ids := make(map[string]rune)
	encode := func(lines []string) []rune {
		out := make([]rune, len(lines))
		for i, line := range lines {
			id, ok := ids[line]
			if !ok {
				id = lineRune(len(ids))
				ids[line] = id
			}
			out[i] = id
		}
		return out
	}
	ra, rb := encode(a), encode(b)
	if len(ids) > maxLineRunes {
		return []change{{AStart: 0, AEnd: len(a), BStart: 0, BEnd: len(b)}}
	}
	return diffRunes(ra, rb)
}

// maxLineRunes is the number of valid code points outside the surrogate range.
const maxLineRunes = utf8.MaxRune + 1 - 0x800

// lineRune maps n to a valid code point, skipping surrogates so the differ's
// string round trips keep every line distinct.
func lineRune(n int) rune {
	if n >= 0xD800 {
		n += 0x800
	}
	return rune(n)
}

// changesOf folds a diff into change ranges, merging each run of deletions
// and insertions between two equalities into one change.
func changesOf(diffs []diffmatchpatch.Diff) []change {
	var out []change
	var a, b int
	open := false
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		if d.Type == diffmatchpatch.DiffEqual {
			a += n
			b += n
			open = false
			continue
		}
		if !open {
			out = append(out, change{AStart: a, AEnd: a, BStart: b, BEnd: b})
			open = true
		}
		c := &out[len(out)-1]
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			a += n
			c.AEnd = a
		case diffmatchpatch.DiffInsert:
			b += n
			c.BEnd = b
		}
	}
	return out
}
