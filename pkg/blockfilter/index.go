// Package blockfilter implements the compiled block index and the sharded
// decision cache answering "is this domain blocked for this client group".
package blockfilter

import (
	"math/bits"
	"regexp"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cloudflare/ahocorasick"
)

// SourceBitSet maps each blocklist source to one bit of a machine word.
type SourceBitSet = uint64

// ManualSourceBit is reserved for operator-entered manual rules.
const ManualSourceBit SourceBitSet = 1 << 63

// manualSourceTag is the tag reported for manual-rule matches.
const manualSourceTag = "manual"

// SourceMeta describes one compiled blocklist source.
type SourceMeta struct {
	ID   int64
	Name string
	Bit  uint8
}

// patternMatcher is one multi-pattern substring matcher plus its source bits.
type patternMatcher struct {
	matcher *ahocorasick.Matcher
	bits    SourceBitSet
}

// regexMatcher is a compiled regex rule plus its source bits.
type regexMatcher struct {
	re   *regexp.Regexp
	bits SourceBitSet
}

// allowlistIndex answers allowlist-override lookups; checked before any
// blocking layer.
type allowlistIndex struct {
	globalExact    map[string]struct{}
	globalWildcard *suffixTrie
	groupExact     map[int64]map[string]struct{}
	groupWildcard  map[int64]*suffixTrie
}

func newAllowlistIndex() *allowlistIndex {
	return &allowlistIndex{
		globalExact:    make(map[string]struct{}),
		globalWildcard: newSuffixTrie(),
		groupExact:     make(map[int64]map[string]struct{}),
		groupWildcard:  make(map[int64]*suffixTrie),
	}
}

// isAllowed checks group-exact, group-wildcard, global-exact, global-wildcard
// in that order.
func (a *allowlistIndex) isAllowed(domain string, groupID int64) bool {
	if set, ok := a.groupExact[groupID]; ok {
		if _, hit := set[domain]; hit {
			return true
		}
	}
	if trie, ok := a.groupWildcard[groupID]; ok {
		if trie.lookup(domain) != 0 {
			return true
		}
	}
	if _, hit := a.globalExact[domain]; hit {
		return true
	}
	return a.globalWildcard.lookup(domain) != 0
}

// Index is one compiled block-filter snapshot. It is immutable after
// compilation; reloads build a new Index and swap the pointer.
type Index struct {
	sources        []SourceMeta
	sourceTags     [64]string
	groupMasks     map[int64]SourceBitSet
	defaultGroupID int64

	exact    map[string]SourceBitSet
	bloom    *bloom.BloomFilter
	wildcard *suffixTrie
	patterns []patternMatcher
	regexes  []regexMatcher
	allow    *allowlistIndex

	totalBlockedDomains int
}

// GroupMask returns the source mask for a group, falling back to the default
// group's mask, then to all-ones.
func (ix *Index) GroupMask(groupID int64) SourceBitSet {
	if mask, ok := ix.groupMasks[groupID]; ok {
		return mask
	}
	if mask, ok := ix.groupMasks[ix.defaultGroupID]; ok {
		return mask
	}
	return ^SourceBitSet(0)
}

// TotalBlockedDomains reports the number of exact-match rules compiled in.
func (ix *Index) TotalBlockedDomains() int { return ix.totalBlockedDomains }

// Lookup answers whether the domain is blocked for the group. The returned
// tag names the source responsible (lowest set bit wins).
func (ix *Index) Lookup(domain string, groupID int64) (string, bool) {
	if ix.allow.isAllowed(domain, groupID) {
		return "", false
	}

	mask := ix.GroupMask(groupID)

	if ix.bloom.TestString(domain) {
		if set, ok := ix.exact[domain]; ok {
			if hit := set & mask; hit != 0 {
				return ix.tagFor(hit), true
			}
		}
	}

	if hit := ix.wildcard.lookup(domain) & mask; hit != 0 {
		return ix.tagFor(hit), true
	}

	for _, pm := range ix.patterns {
		if pm.bits&mask == 0 {
			continue
		}
		if len(pm.matcher.MatchThreadSafe([]byte(domain))) > 0 {
			return ix.tagFor(pm.bits & mask), true
		}
	}
	for _, rm := range ix.regexes {
		if rm.bits&mask == 0 {
			continue
		}
		if rm.re.MatchString(domain) {
			return ix.tagFor(rm.bits & mask), true
		}
	}

	return "", false
}

// tagFor resolves the tag of the lowest set bit in a non-empty bitset.
func (ix *Index) tagFor(set SourceBitSet) string {
	bit := uint8(bits.TrailingZeros64(set))
	if bit == 63 {
		return manualSourceTag
	}
	if tag := ix.sourceTags[bit]; tag != "" {
		return tag
	}
	return manualSourceTag
}
