package blockfilter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cloudflare/ahocorasick"
)

// bloomFalsePositiveRate sizes the exact-set bloom filter.
const bloomFalsePositiveRate = 0.01

// RuleKind classifies a parsed blocklist rule.
type RuleKind int

const (
	// RuleExact matches one domain.
	RuleExact RuleKind = iota
	// RuleWildcard matches subdomains of a base (*.x.y).
	RuleWildcard
	// RuleSubstring matches the pattern anywhere in the domain.
	RuleSubstring
	// RuleRegex matches a compiled regular expression.
	RuleRegex
)

// Rule is one parsed blocklist or allowlist entry.
type Rule struct {
	Kind    RuleKind
	Pattern string
}

// SourceRules is the rule set of one source, in input order.
type SourceRules struct {
	ID    int64
	Name  string
	Rules []Rule
}

// GroupSelection enables a set of sources for a group. An empty SourceIDs
// slice inherits the default group's mask.
type GroupSelection struct {
	ID        int64
	SourceIDs []int64
}

// CompilerInput is everything a compilation pass consumes. Compilation is a
// pure function of this input: identical (sorted) inputs produce identical
// indexes.
type CompilerInput struct {
	Sources        []SourceRules
	AllowSources   []SourceRules
	GroupAllow     map[int64][]Rule
	ManualDomains  []string
	RegexFilters   []string
	Groups         []GroupSelection
	DefaultGroupID int64
}

// Compile builds a new immutable index snapshot.
func Compile(in *CompilerInput) (*Index, error) {
	if len(in.Sources) > 63 {
		return nil, fmt.Errorf("too many blocklist sources: %d (max 63)", len(in.Sources))
	}

	ix := &Index{
		groupMasks:     make(map[int64]SourceBitSet),
		defaultGroupID: in.DefaultGroupID,
		exact:          make(map[string]SourceBitSet),
		wildcard:       newSuffixTrie(),
		allow:          newAllowlistIndex(),
	}

	// Bits 0..62 in source order; 63 is reserved for manual rules.
	bitByID := make(map[int64]SourceBitSet, len(in.Sources))
	for i, src := range in.Sources {
		bit := uint8(i) // #nosec G115 - bounded by the 63-source check above
		ix.sources = append(ix.sources, SourceMeta{ID: src.ID, Name: src.Name, Bit: bit})
		ix.sourceTags[bit] = src.Name
		bitByID[src.ID] = 1 << bit
	}

	allSources := ManualSourceBit
	for _, b := range bitByID {
		allSources |= b
	}

	// Group masks. Groups without an explicit selection inherit the default
	// group's mask; the default group itself defaults to every source.
	ix.groupMasks[in.DefaultGroupID] = allSources
	for _, g := range in.Groups {
		if len(g.SourceIDs) == 0 {
			continue
		}
		mask := ManualSourceBit
		for _, id := range g.SourceIDs {
			b, ok := bitByID[id]
			if !ok {
				return nil, fmt.Errorf("group %d enables unknown source %d", g.ID, id)
			}
			mask |= b
		}
		ix.groupMasks[g.ID] = mask
	}

	// Per-source rules into the exact map, wildcard trie, and matcher lists.
	type acGroup struct {
		patterns []string
		bits     SourceBitSet
	}
	var substringGroups []acGroup

	addRules := func(rules []Rule, bits SourceBitSet) error {
		var substrings []string
		for _, r := range rules {
			switch r.Kind {
			case RuleExact:
				ix.exact[r.Pattern] |= bits
			case RuleWildcard:
				ix.wildcard.insert(r.Pattern, bits)
			case RuleSubstring:
				substrings = append(substrings, r.Pattern)
			case RuleRegex:
				re, err := regexp.Compile(r.Pattern)
				if err != nil {
					return fmt.Errorf("invalid regex rule %q: %w", r.Pattern, err)
				}
				ix.regexes = append(ix.regexes, regexMatcher{re: re, bits: bits})
			}
		}
		if len(substrings) > 0 {
			substringGroups = append(substringGroups, acGroup{patterns: substrings, bits: bits})
		}
		return nil
	}

	for i, src := range in.Sources {
		if err := addRules(src.Rules, 1<<uint8(i)); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	// Manual rules carry the reserved bit.
	var manualRules []Rule
	for _, d := range in.ManualDomains {
		manualRules = append(manualRules, classifyDomainRule(d))
	}
	for _, p := range in.RegexFilters {
		manualRules = append(manualRules, Rule{Kind: RuleRegex, Pattern: p})
	}
	if err := addRules(manualRules, ManualSourceBit); err != nil {
		return nil, fmt.Errorf("manual rules: %w", err)
	}

	// One multi-pattern matcher per substring group, tagged with the union.
	for _, g := range substringGroups {
		ix.patterns = append(ix.patterns, patternMatcher{
			matcher: ahocorasick.NewStringMatcher(g.patterns),
			bits:    g.bits,
		})
	}

	// Bloom over the exact-set keys.
	capacity := uint(len(ix.exact))
	if capacity == 0 {
		capacity = 1
	}
	ix.bloom = bloom.NewWithEstimates(capacity, bloomFalsePositiveRate)
	for domain := range ix.exact {
		ix.bloom.AddString(domain)
	}

	// Allowlists: global sources plus per-group rules.
	for _, src := range in.AllowSources {
		for _, r := range src.Rules {
			switch r.Kind {
			case RuleExact:
				ix.allow.globalExact[r.Pattern] = struct{}{}
			case RuleWildcard:
				ix.allow.globalWildcard.insert(r.Pattern, 1)
			default:
				// Substring/regex allow rules are not supported; treat the
				// raw pattern as an exact name.
				ix.allow.globalExact[r.Pattern] = struct{}{}
			}
		}
	}
	for groupID, rules := range in.GroupAllow {
		for _, r := range rules {
			switch r.Kind {
			case RuleWildcard:
				trie, ok := ix.allow.groupWildcard[groupID]
				if !ok {
					trie = newSuffixTrie()
					ix.allow.groupWildcard[groupID] = trie
				}
				trie.insert(r.Pattern, 1)
			default:
				set, ok := ix.allow.groupExact[groupID]
				if !ok {
					set = make(map[string]struct{})
					ix.allow.groupExact[groupID] = set
				}
				set[r.Pattern] = struct{}{}
			}
		}
	}

	ix.totalBlockedDomains = len(ix.exact)
	return ix, nil
}

// classifyDomainRule turns a raw manual domain entry into a rule.
func classifyDomainRule(raw string) Rule {
	d := normalizeDomain(raw)
	if base, ok := strings.CutPrefix(d, "*."); ok {
		return Rule{Kind: RuleWildcard, Pattern: base}
	}
	return Rule{Kind: RuleExact, Pattern: d}
}

// normalizeDomain lowercases and strips the trailing dot.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	return strings.TrimSuffix(d, ".")
}
