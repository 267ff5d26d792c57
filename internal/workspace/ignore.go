package workspace

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// IgnoreFunc reports whether a room-relative path is excluded from sharing.
// Directory paths carry a trailing slash.
type IgnoreFunc func(path string) bool

// DefaultIgnores are always excluded, whatever the ignore files say.
var DefaultIgnores = []string{".git/", ".svn/", ".hg/", ".floo/", "node_modules/", ".DS_Store"}

// IgnoreFiles are read from the workspace root, in order.
var IgnoreFiles = []string{".gitignore", ".flooignore"}

// ignoreMatcher applies gitignore-style patterns; later patterns win.
type ignoreMatcher struct {
	patterns []*ignorePattern
}

type ignorePattern struct {
	pattern   string
	regex     *regexp.Regexp
	isNegated bool
	isDir     bool
}

// NewIgnore builds the ignore predicate for root from the defaults and the
// ignore files found there. Missing ignore files are not an error.
func NewIgnore(root string) (IgnoreFunc, error) {
	m := &ignoreMatcher{}
	m.addLines(DefaultIgnores)

	for _, name := range IgnoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		err = m.parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return m.Ignored, nil
}

// ParseIgnore builds a predicate from gitignore-formatted patterns alone.
func ParseIgnore(r io.Reader) (IgnoreFunc, error) {
	m := &ignoreMatcher{}
	if err := m.parse(r); err != nil {
		return nil, err
	}
	return m.Ignored, nil
}

func (m *ignoreMatcher) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	m.addLines(lines)
	return nil
}

func (m *ignoreMatcher) addLines(lines []string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := &ignorePattern{pattern: line}
		if strings.HasPrefix(line, "!") {
			p.isNegated = true
			line = strings.TrimPrefix(line, "!")
		}
		if strings.HasSuffix(line, "/") {
			p.isDir = true
			line = strings.TrimSuffix(line, "/")
		}
		if line == "" {
			continue
		}
		p.regex = regexp.MustCompile(patternToRegex(line))
		m.patterns = append(m.patterns, p)
	}
}

// patternToRegex converts one gitignore pattern to an anchored regex.
func patternToRegex(pattern string) string {
	if strings.HasPrefix(pattern, "**/") {
		return "(^|/)" + patternBody(strings.TrimPrefix(pattern, "**/")) + "$"
	}
	anchored := strings.HasPrefix(pattern, "/") || strings.Contains(strings.TrimSuffix(pattern, "/**"), "/")
	body := patternBody(strings.TrimPrefix(pattern, "/"))
	if anchored {
		return "^" + body + "$"
	}
	return "(^|/)" + body + "$"
}

func patternBody(pattern string) string {
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.ReplaceAll(pattern, `/\*\*/`, "(/|/.*/)")
	pattern = strings.ReplaceAll(pattern, `\*\*`, ".*")
	pattern = strings.ReplaceAll(pattern, `\*`, "[^/]*")
	return strings.ReplaceAll(pattern, `\?`, "[^/]")
}

func (m *ignoreMatcher) match(relPath string, isDir bool) bool {
	ignored := false
	for _, p := range m.patterns {
		if p.isDir && !isDir {
			continue
		}
		if p.regex.MatchString(relPath) {
			ignored = !p.isNegated
		}
	}
	return ignored
}

// Ignored reports whether path, or any directory containing it, is ignored.
func (m *ignoreMatcher) Ignored(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")
	isDir := strings.HasSuffix(path, "/")
	path = strings.Trim(path, "/")
	if path == "" {
		return false
	}

	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if m.match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return m.match(path, isDir)
}
