package netset

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
)

// ParseError reports a malformed prefix entry, carrying enough position
// information for the operator to fix the offending line.
type ParseError struct {
	File  string
	Line  int
	Entry string
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: invalid entry %q: %v", e.File, e.Line, e.Entry, e.Err)
	}
	return fmt.Sprintf("invalid entry %q: %v", e.Entry, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParsePrefix parses a CIDR string or a bare address. Bare addresses become
// host prefixes (/32 for IPv4, /128 for IPv6). The result is canonical: host
// bits are cleared.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseEntry parses a single list entry. In addition to the forms ParsePrefix
// accepts, allocation data sources emit dash ranges ("192.0.2.0-192.0.2.255"),
// which expand to the minimal set of covering prefixes.
func ParseEntry(s string) ([]netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("range start: %w", err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		return RangeToPrefixes(start, end)
	}

	p, err := ParsePrefix(s)
	if err != nil {
		return nil, err
	}
	return []netip.Prefix{p}, nil
}

// RangeToPrefixes converts an inclusive address range to the minimal ordered
// list of canonical prefixes covering exactly that range.
func RangeToPrefixes(lo, hi netip.Addr) ([]netip.Prefix, error) {
	if lo.Is4() != hi.Is4() {
		return nil, fmt.Errorf("mixed address families in range %s-%s", lo, hi)
	}
	if hi.Less(lo) {
		return nil, fmt.Errorf("inverted range %s-%s", lo, hi)
	}

	var prefixes []netip.Prefix
	for {
		p := widestAlignedPrefix(lo, hi)
		prefixes = append(prefixes, p)
		last := lastAddr(p)
		if hi.Less(last) || last == hi {
			break
		}
		lo = last.Next()
	}
	return prefixes, nil
}

// widestAlignedPrefix returns the largest prefix that starts exactly at lo and
// does not extend past hi.
func widestAlignedPrefix(lo, hi netip.Addr) netip.Prefix {
	b := lo.BitLen() - trailingZeroBits(lo)
	for b < lo.BitLen() && hi.Less(lastAddr(netip.PrefixFrom(lo, b))) {
		b++
	}
	return netip.PrefixFrom(lo, b)
}

func trailingZeroBits(a netip.Addr) int {
	raw := a.AsSlice()
	n := 0
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == 0 {
			n += 8
			continue
		}
		n += bits.TrailingZeros8(raw[i])
		break
	}
	return n
}

// lastAddr returns the highest address contained in p.
func lastAddr(p netip.Prefix) netip.Addr {
	raw := p.Addr().AsSlice()
	for i := p.Bits(); i < len(raw)*8; i++ {
		raw[i/8] |= 1 << (7 - i%8)
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr
}
