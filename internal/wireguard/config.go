package wireguard

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// RewriteAllowedIPs replaces the AllowedIPs assignment of the selected peer
// section in a wg-quick config file, preserving every other line verbatim.
// When the section carries no AllowedIPs line, one is appended to it. The file
// is replaced atomically via temp file + rename.
//
// The target peer is matched by its PublicKey line when peerPublicKey is
// non-empty; otherwise the first [Peer] section is used.
func RewriteAllowedIPs(path string, peerPublicKey string, prefixes []netip.Prefix) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wireguard config %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat wireguard config %s: %w", path, err)
	}

	rewritten, err := rewriteConfig(string(data), peerPublicKey, prefixes)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(rewritten); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}

func formatAllowedIPs(prefixes []netip.Prefix) string {
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		parts = append(parts, p.String())
	}
	return "AllowedIPs = " + strings.Join(parts, ", ")
}

// rewriteConfig walks the config line by line tracking peer sections. Within
// the target section every existing AllowedIPs line collapses into one
// replacement; other sections pass through untouched.
func rewriteConfig(content string, peerPublicKey string, prefixes []netip.Prefix) (string, error) {
	target, err := findTargetPeer(content, peerPublicKey)
	if err != nil {
		return "", err
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+1)

	peerIndex := -1
	inTarget := false
	replaced := false
	lastTargetLine := -1

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			if inTarget && !replaced {
				out = insertAfter(out, lastTargetLine, formatAllowedIPs(prefixes))
				replaced = true
			}
			inTarget = false
			if strings.EqualFold(trimmed, "[Peer]") {
				peerIndex++
				inTarget = peerIndex == target
			}
			out = append(out, line)
			if inTarget {
				lastTargetLine = len(out) - 1
			}
			continue
		}

		if inTarget {
			if isAssignment(trimmed, "AllowedIPs") {
				if replaced {
					continue
				}
				out = append(out, formatAllowedIPs(prefixes))
				replaced = true
				lastTargetLine = len(out) - 1
				continue
			}
			if trimmed != "" {
				out = append(out, line)
				lastTargetLine = len(out) - 1
				continue
			}
		}

		out = append(out, line)
	}

	if !replaced {
		out = insertAfter(out, lastTargetLine, formatAllowedIPs(prefixes))
	}

	return strings.Join(out, "\n"), nil
}

// findTargetPeer returns the index of the peer section to rewrite.
func findTargetPeer(content string, peerPublicKey string) (int, error) {
	peerIndex := -1
	inPeer := false
	seenPeer := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inPeer = strings.EqualFold(trimmed, "[Peer]")
			if inPeer {
				peerIndex++
				seenPeer = true
			}
			continue
		}
		if !inPeer || peerPublicKey == "" {
			continue
		}
		if isAssignment(trimmed, "PublicKey") {
			_, value, _ := strings.Cut(trimmed, "=")
			if strings.TrimSpace(value) == peerPublicKey {
				return peerIndex, nil
			}
		}
	}

	if !seenPeer {
		return 0, fmt.Errorf("no [Peer] section found")
	}
	if peerPublicKey != "" {
		return 0, fmt.Errorf("no [Peer] section with PublicKey %s", peerPublicKey)
	}
	return 0, nil
}

func isAssignment(line string, key string) bool {
	name, _, ok := strings.Cut(line, "=")
	return ok && strings.EqualFold(strings.TrimSpace(name), key)
}

func insertAfter(lines []string, index int, line string) []string {
	if index < 0 || index >= len(lines) {
		return append(lines, line)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:index+1]...)
	out = append(out, line)
	out = append(out, lines[index+1:]...)
	return out
}
