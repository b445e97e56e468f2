package netset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	return path
}

func TestLoadFileParsesEntries(t *testing.T) {
	t.Parallel()

	path := writeList(t, `# local overrides
10.0.0.0/24

192.0.2.7
172.16.0.0/12   # corporate space
192.0.2.0-192.0.2.255
`)

	set, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}

	want := []string{"10.0.0.0/24", "172.16.0.0/12", "192.0.2.0/24"}
	if diff := cmp.Diff(want, prefixStrings(set)); diff != "" {
		t.Fatalf("LoadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileMissingIsEmpty(t *testing.T) {
	t.Parallel()

	set, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if err != nil {
		t.Fatalf("missing file must not error, got: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %d members", set.Len())
	}
}

func TestLoadFileMalformedEntryAborts(t *testing.T) {
	t.Parallel()

	path := writeList(t, "10.0.0.0/24\nnot-an-ip\n192.168.0.0/16\n")

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for malformed entry")
	}

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if parseErr.Line != 2 || parseErr.Entry != "not-an-ip" {
		t.Fatalf("unexpected position: line %d entry %q", parseErr.Line, parseErr.Entry)
	}
	if parseErr.File != path {
		t.Fatalf("unexpected file: %q", parseErr.File)
	}
}
