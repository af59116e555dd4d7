package logstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel errors the HTTP layer maps to status codes.
var (
	ErrDisabled        = errors.New("log streaming is disabled")
	ErrNotFound        = errors.New("log file not found")
	ErrForbidden       = errors.New("log file is not allowed")
	ErrTooLarge        = errors.New("log file exceeds the size limit")
	ErrBinary          = errors.New("log file appears to be binary")
	ErrTooManyStreams  = errors.New("too many concurrent streams")
	ErrBadCookie       = errors.New("invalid session cookie")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConsumed = errors.New("session already attached or finished")
)

const (
	binaryProbeBytes = 8192
	maxFollowLines   = 10000
)

// resolveLogPath maps a log name onto the first allowed root that holds a
// regular file of that name. Lognames are single path segments; anything
// that smells like traversal is rejected before touching the filesystem.
func resolveLogPath(logname string, roots []string) (string, error) {
	if logname == "" || logname == "." || logname == ".." {
		return "", ErrNotFound
	}
	if strings.ContainsAny(logname, "/\\") {
		return "", fmt.Errorf("%w: log name must not contain path separators", ErrForbidden)
	}
	for _, root := range roots {
		candidate := filepath.Join(root, logname)
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return candidate, nil
	}
	return "", ErrNotFound
}

// globToRegexp converts a forbidden-pattern glob into an anchored regexp.
// Only * and ? carry meaning; everything else matches literally.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// matchesForbidden reports whether the filename or full path hits any
// forbidden pattern. Unparseable patterns are skipped.
func matchesForbidden(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		re, err := globToRegexp(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(base) || re.MatchString(path) {
			return true
		}
	}
	return false
}

// looksBinary applies the probe heuristic: more than 1% NUL bytes or more
// than 5% control bytes (tab, LF and CR excluded) in the first 8 KiB.
func looksBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, binaryProbeBytes)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return false, nil
	}

	var nul, ctrl int
	for _, b := range buf[:n] {
		switch {
		case b == 0x00:
			nul++
		case b < 0x20 && b != '\t' && b != '\n' && b != '\r':
			ctrl++
		}
	}
	return nul*100 >= n || ctrl*100 > n*5, nil
}

func clampFollowLines(n int) int {
	if n < 0 {
		return 0
	}
	if n > maxFollowLines {
		return maxFollowLines
	}
	return n
}
