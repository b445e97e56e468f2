package netset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// LoadFile reads a prefix list file: one entry per line, '#' comments and
// blank lines ignored. A missing file is not an error and yields an empty set,
// since the override lists are optional. Any malformed entry aborts the load
// with a *ParseError; a partially-applied list must never reach the OS.
func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("open prefix list %s: %w", path, err)
	}
	defer f.Close()

	set, err := parseList(f, path)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func parseList(r io.Reader, name string) (*Set, error) {
	set := New()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		prefixes, err := ParseEntry(line)
		if err != nil {
			return nil, &ParseError{File: name, Line: lineNo, Entry: line, Err: err}
		}
		for _, p := range prefixes {
			set.Add(p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prefix list %s: %w", name, err)
	}
	return set, nil
}
