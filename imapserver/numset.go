package imapserver

import (
	"sort"
	"strconv"
	"strings"
)

// numRange is one element of a sequence set: start:end, or a bare singleton
// where start==end. Either bound may be "*", resolved against a max value
// supplied by the caller (spec §4.5, "Sequence set resolver").
type numRange struct {
	start      uint32
	startIsMax bool
	end        uint32
	endIsMax   bool
}

type numSet struct {
	ranges []numRange
}

// xnumSet parses a comma-separated set of ranges/singletons/"*", the
// grammar spec §4.5 describes for FETCH/STORE/SEARCH/COPY/MOVE/EXPUNGE.
func (p *parser) xnumSet() numSet {
	tok := p.xword()
	return parseNumSet(tok)
}

func parseNumSet(tok string) numSet {
	var ns numSet
	for _, part := range strings.Split(tok, ",") {
		if part == "" {
			xsyntaxErrorf("empty element in sequence set %q", tok)
		}
		a, b, found := strings.Cut(part, ":")
		var r numRange
		r.start, r.startIsMax = parseNumOrStar(a)
		if found {
			r.end, r.endIsMax = parseNumOrStar(b)
		} else {
			r.end, r.endIsMax = r.start, r.startIsMax
		}
		ns.ranges = append(ns.ranges, r)
	}
	return ns
}

func parseNumOrStar(s string) (uint32, bool) {
	if s == "*" {
		return 0, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		xsyntaxErrorf("invalid sequence number %q", s)
	}
	return uint32(n), false
}

// resolveSeq resolves ns against a sequence-number cache of size n (1-based),
// returning the matching 1-based sequence numbers in ascending order with
// duplicates removed. "*" resolves to n; start>end is swapped.
func (ns numSet) resolveSeq(n int) []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range ns.ranges {
		start, end := int(r.start), int(r.end)
		if r.startIsMax {
			start = n
		}
		if r.endIsMax {
			end = n
		}
		if start > end {
			start, end = end, start
		}
		for i := start; i <= end; i++ {
			if i < 1 || i > n || seen[i] {
				continue
			}
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// resolveUID resolves ns against maxUID (the "*" value in UID mode),
// returning the matching UIDs in ascending order with duplicates removed.
// Undefined (out-of-range) UIDs simply don't match any live entry — the
// caller filters against the cache separately.
func (ns numSet) resolveUID(maxUID uint32) []uint32 {
	seen := map[uint32]bool{}
	var out []uint32
	for _, r := range ns.ranges {
		start, end := r.start, r.end
		if r.startIsMax {
			start = maxUID
		}
		if r.endIsMax {
			end = maxUID
		}
		if start > end {
			start, end = end, start
		}
		for i := start; i <= end; i++ {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
			if i == ^uint32(0) {
				break // guard against wraparound when end is the uint32 max.
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
