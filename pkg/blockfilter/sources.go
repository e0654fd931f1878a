package blockfilter

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"sinkzone/pkg/config"
)

// ParseRuleFile reads a local rule file. Supported line formats:
//   - 0.0.0.0 domain.com / 127.0.0.1 domain.com (hosts)
//   - domain.com (plain list)
//   - *.domain.com (wildcard)
//   - ||domain.com^ (adblock)
//   - /pattern/ (regex)
func ParseRuleFile(path string) ([]Rule, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the operator's config
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var rules []Rule
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if rule, ok := parseRuleLine(line); ok {
			rules = append(rules, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return rules, nil
}

func parseRuleLine(line string) (Rule, bool) {
	// Regex rules are delimited with slashes.
	if len(line) > 2 && strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/") {
		return Rule{Kind: RuleRegex, Pattern: line[1 : len(line)-1]}, true
	}

	// Adblock format: ||domain^ blocks the domain and its subdomains.
	if after, ok := strings.CutPrefix(line, "||"); ok {
		domain := normalizeDomain(strings.TrimSuffix(after, "^"))
		if domain == "" {
			return Rule{}, false
		}
		return Rule{Kind: RuleWildcard, Pattern: domain}, true
	}

	// Hosts format: sink address followed by the domain.
	fields := strings.Fields(line)
	candidate := fields[0]
	if len(fields) >= 2 && (candidate == "0.0.0.0" || candidate == "127.0.0.1" || candidate == "::" || candidate == "::1") {
		candidate = fields[1]
	}

	// Inline comments after the domain.
	if i := strings.IndexByte(candidate, '#'); i >= 0 {
		candidate = candidate[:i]
	}

	domain := normalizeDomain(candidate)
	if domain == "" || !strings.Contains(domain, ".") {
		return Rule{}, false
	}
	if base, ok := strings.CutPrefix(domain, "*."); ok {
		return Rule{Kind: RuleWildcard, Pattern: base}, true
	}
	return Rule{Kind: RuleExact, Pattern: domain}, true
}

// LoadInput assembles a CompilerInput from the blocking configuration,
// reading every rule file referenced by it.
func LoadInput(cfg *config.BlockingConfig) (*CompilerInput, error) {
	in := &CompilerInput{
		ManualDomains:  cfg.ManualDomains,
		RegexFilters:   cfg.RegexFilters,
		DefaultGroupID: cfg.DefaultGroupID,
	}

	for _, src := range cfg.Sources {
		rules, err := ParseRuleFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("blocklist source %q: %w", src.Name, err)
		}
		in.Sources = append(in.Sources, SourceRules{ID: src.ID, Name: src.Name, Rules: rules})
	}
	for _, src := range cfg.AllowSources {
		rules, err := ParseRuleFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("allowlist source %q: %w", src.Name, err)
		}
		in.AllowSources = append(in.AllowSources, SourceRules{ID: src.ID, Name: src.Name, Rules: rules})
	}
	for _, g := range cfg.Groups {
		in.Groups = append(in.Groups, GroupSelection{ID: g.ID, SourceIDs: g.Sources})
	}
	return in, nil
}

// SourcePaths lists every rule file a configuration references, for the
// rule-file watcher.
func SourcePaths(cfg *config.BlockingConfig) []string {
	var paths []string
	for _, s := range cfg.Sources {
		paths = append(paths, s.Path)
	}
	for _, s := range cfg.AllowSources {
		paths = append(paths, s.Path)
	}
	return paths
}
