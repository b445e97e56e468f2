package netset

import (
	"net/netip"
	"sort"
)

// Set is a deduplicated collection of canonical network prefixes. Insertion
// order is irrelevant; Prefixes returns a sorted, coalesced view. Mixed IPv4
// and IPv6 members are supported and never merge across families.
type Set struct {
	members map[netip.Prefix]struct{}
}

// New builds a Set from the provided prefixes. Each prefix is canonicalized
// before insertion.
func New(prefixes ...netip.Prefix) *Set {
	s := &Set{members: make(map[netip.Prefix]struct{}, len(prefixes))}
	for _, p := range prefixes {
		s.Add(p)
	}
	return s
}

// Add inserts a prefix, clearing host bits first. IPv4-mapped IPv6 prefixes
// that fit inside ::ffff:0:0/96 are stored in their canonical IPv4 form so
// they compare and coalesce with plain IPv4 members.
func (s *Set) Add(p netip.Prefix) {
	if !p.IsValid() {
		return
	}
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	s.members[p.Masked()] = struct{}{}
}

// Len returns the number of stored prefixes before coalescing.
func (s *Set) Len() int {
	return len(s.members)
}

// Union returns a new Set containing the members of both sets.
func (s *Set) Union(o *Set) *Set {
	out := New()
	for p := range s.members {
		out.members[p] = struct{}{}
	}
	for p := range o.members {
		out.members[p] = struct{}{}
	}
	return out
}

// Subtract returns a new Set covering every address in s that is not covered
// by o. Partial overlaps split the affected prefix into its uncovered
// complement blocks, so excluding 10.0.0.0/28 from 10.0.0.0/24 keeps the rest
// of the /24 reachable.
func (s *Set) Subtract(o *Set) *Set {
	exclude := o.Prefixes()
	out := New()
	for p := range s.members {
		for _, rest := range subtractAll(p, exclude) {
			out.members[rest] = struct{}{}
		}
	}
	return out
}

func subtractAll(p netip.Prefix, exclude []netip.Prefix) []netip.Prefix {
	work := []netip.Prefix{p}
	for _, e := range exclude {
		var next []netip.Prefix
		for _, w := range work {
			next = append(next, subtractOne(w, e)...)
		}
		work = next
		if len(work) == 0 {
			break
		}
	}
	return work
}

func subtractOne(p, e netip.Prefix) []netip.Prefix {
	if !p.Overlaps(e) {
		return []netip.Prefix{p}
	}
	if e.Bits() <= p.Bits() {
		// e covers p entirely.
		return nil
	}
	lower, upper := halves(p)
	return append(subtractOne(lower, e), subtractOne(upper, e)...)
}

// halves splits p into its two immediate child prefixes.
func halves(p netip.Prefix) (netip.Prefix, netip.Prefix) {
	childBits := p.Bits() + 1
	lower := netip.PrefixFrom(p.Addr(), childBits)

	raw := p.Addr().AsSlice()
	i := p.Bits()
	raw[i/8] |= 1 << (7 - i%8)
	upperAddr, _ := netip.AddrFromSlice(raw)
	return lower, netip.PrefixFrom(upperAddr, childBits)
}

// Contains reports whether any member prefix covers addr.
func (s *Set) Contains(addr netip.Addr) bool {
	for p := range s.members {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Prefixes returns the members sorted by address, with contained prefixes
// dropped and adjacent sibling prefixes merged into their parent.
func (s *Set) Prefixes() []netip.Prefix {
	sorted := make([]netip.Prefix, 0, len(s.members))
	for p := range s.members {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Addr().Compare(sorted[j].Addr()); c != 0 {
			return c < 0
		}
		return sorted[i].Bits() < sorted[j].Bits()
	})

	// Drop prefixes already covered by an earlier, wider one.
	deduped := sorted[:0]
	for _, p := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].Overlaps(p) {
			// Sorted order guarantees p is inside the previous prefix.
			continue
		}
		deduped = append(deduped, p)
	}

	return mergeSiblings(deduped)
}

func mergeSiblings(prefixes []netip.Prefix) []netip.Prefix {
	for {
		merged := false
		out := make([]netip.Prefix, 0, len(prefixes))
		for i := 0; i < len(prefixes); i++ {
			if i+1 < len(prefixes) && siblings(prefixes[i], prefixes[i+1]) {
				out = append(out, netip.PrefixFrom(prefixes[i].Addr(), prefixes[i].Bits()-1))
				merged = true
				i++
				continue
			}
			out = append(out, prefixes[i])
		}
		prefixes = out
		if !merged {
			return prefixes
		}
	}
}

// siblings reports whether a and b are the lower and upper halves of the same
// parent prefix.
func siblings(a, b netip.Prefix) bool {
	if a.Bits() != b.Bits() || a.Bits() == 0 || a.Addr().Is4() != b.Addr().Is4() {
		return false
	}
	parentA := netip.PrefixFrom(a.Addr(), a.Bits()-1).Masked()
	parentB := netip.PrefixFrom(b.Addr(), b.Bits()-1).Masked()
	return parentA == parentB && a.Addr() == parentA.Addr() && b.Addr() != a.Addr()
}

// Widen generalizes IPv4 prefixes longer than cutoff up to cutoff bits,
// re-masking the result. Allocation feeds hand out many tiny blocks; widening
// keeps the downstream rule count manageable at the price of covering more
// address space.
func (s *Set) Widen(cutoff int) *Set {
	if cutoff <= 0 || cutoff >= 32 {
		return s
	}
	out := New()
	for p := range s.members {
		if p.Addr().Is4() && p.Bits() > cutoff {
			p = netip.PrefixFrom(p.Addr(), cutoff).Masked()
		}
		out.members[p] = struct{}{}
	}
	return out
}

// Combine computes the final rule set: (resolved union include) minus exclude.
// Exclude always wins, even over explicit includes.
func Combine(resolved, include, exclude *Set) *Set {
	return resolved.Union(include).Subtract(exclude)
}
