package blockfilter

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func compileInput(t *testing.T, in *CompilerInput) *Index {
	t.Helper()
	ix, err := Compile(in)
	require.NoError(t, err)
	return ix
}

func TestExactBlockWithGroupMask(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 10, Name: "S1", Rules: []Rule{{Kind: RuleExact, Pattern: "ads.example"}}},
		},
		Groups:         []GroupSelection{{ID: 1, SourceIDs: []int64{10}}},
		DefaultGroupID: 0,
	})

	source, blocked := ix.Lookup("ads.example", 1)
	require.True(t, blocked)
	assert.Equal(t, "S1", source)

	_, blocked = ix.Lookup("news.example", 1)
	assert.False(t, blocked)
}

func TestAllowlistOverridesBlock(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 10, Name: "S1", Rules: []Rule{{Kind: RuleExact, Pattern: "ads.example"}}},
		},
		AllowSources: []SourceRules{
			{ID: 20, Name: "allow", Rules: []Rule{{Kind: RuleExact, Pattern: "ads.example"}}},
		},
		Groups:         []GroupSelection{{ID: 1, SourceIDs: []int64{10}}},
		DefaultGroupID: 0,
	})

	_, blocked := ix.Lookup("ads.example", 1)
	assert.False(t, blocked, "global allowlist must override the block")
}

func TestWildcardWithGroupMasks(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 1, Name: "S1", Rules: nil},
			{ID: 2, Name: "S2", Rules: []Rule{{Kind: RuleWildcard, Pattern: "tracker.test"}}},
		},
		Groups: []GroupSelection{
			{ID: 2, SourceIDs: []int64{1}},    // excludes S2
			{ID: 3, SourceIDs: []int64{1, 2}}, // includes S2
		},
		DefaultGroupID: 0,
	})

	_, blocked := ix.Lookup("foo.tracker.test", 2)
	assert.False(t, blocked, "group 2 excludes S2")

	source, blocked := ix.Lookup("foo.tracker.test", 3)
	require.True(t, blocked)
	assert.Equal(t, "S2", source)

	// Deep subdomains match too; the base itself does not.
	_, blocked = ix.Lookup("a.b.tracker.test", 3)
	assert.True(t, blocked)
	_, blocked = ix.Lookup("tracker.test", 3)
	assert.False(t, blocked)
}

func TestUnknownGroupFallsBackToDefaultMask(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 1, Name: "S1", Rules: []Rule{{Kind: RuleExact, Pattern: "ads.example"}}},
		},
		DefaultGroupID: 0,
	})

	// Default group mask covers every source; unknown groups inherit it.
	_, blocked := ix.Lookup("ads.example", 42)
	assert.True(t, blocked)
}

func TestManualRulesUseReservedBit(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		ManualDomains:  []string{"bad.example", "*.worse.example"},
		DefaultGroupID: 0,
	})

	source, blocked := ix.Lookup("bad.example", 0)
	require.True(t, blocked)
	assert.Equal(t, "manual", source)

	source, blocked = ix.Lookup("x.worse.example", 0)
	require.True(t, blocked)
	assert.Equal(t, "manual", source)
}

func TestRegexAndSubstringRules(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 1, Name: "S1", Rules: []Rule{
				{Kind: RuleSubstring, Pattern: "analytics"},
				{Kind: RuleRegex, Pattern: `^ad[0-9]+\.`},
			}},
		},
		DefaultGroupID: 0,
	})

	_, blocked := ix.Lookup("www.analytics.example", 0)
	assert.True(t, blocked)

	_, blocked = ix.Lookup("ad42.example", 0)
	assert.True(t, blocked)

	_, blocked = ix.Lookup("advert.example", 0)
	assert.False(t, blocked)
}

func TestCompileRejectsTooManySources(t *testing.T) {
	in := &CompilerInput{}
	for i := 0; i < 64; i++ {
		in.Sources = append(in.Sources, SourceRules{ID: int64(i), Name: "s"})
	}
	_, err := Compile(in)
	require.Error(t, err)
}

func TestCompileDeterministic(t *testing.T) {
	in := &CompilerInput{
		Sources: []SourceRules{
			{ID: 1, Name: "S1", Rules: []Rule{
				{Kind: RuleExact, Pattern: "a.example"},
				{Kind: RuleExact, Pattern: "b.example"},
				{Kind: RuleWildcard, Pattern: "c.example"},
			}},
			{ID: 2, Name: "S2", Rules: []Rule{{Kind: RuleExact, Pattern: "b.example"}}},
		},
		DefaultGroupID: 0,
	}

	a := compileInput(t, in)
	b := compileInput(t, in)

	assert.Equal(t, a.exact, b.exact)
	assert.Equal(t, a.groupMasks, b.groupMasks)
	assert.Equal(t, a.totalBlockedDomains, b.totalBlockedDomains)
}

func TestLowestBitWinsForSourceTag(t *testing.T) {
	ix := compileInput(t, &CompilerInput{
		Sources: []SourceRules{
			{ID: 1, Name: "first", Rules: []Rule{{Kind: RuleExact, Pattern: "dual.example"}}},
			{ID: 2, Name: "second", Rules: []Rule{{Kind: RuleExact, Pattern: "dual.example"}}},
		},
		DefaultGroupID: 0,
	})

	source, blocked := ix.Lookup("dual.example", 0)
	require.True(t, blocked)
	assert.Equal(t, "first", source)
}

func TestParseRuleFileFormats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.txt")
	content := `# comment
! adblock comment
0.0.0.0 hosts.example
127.0.0.1 localhost-style.example
plain.example
*.wild.example
||adblock.example^
/^ad[0-9]+\./
inline.example # trailing comment
localhost
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := ParseRuleFile(path)
	require.NoError(t, err)

	want := []Rule{
		{Kind: RuleExact, Pattern: "hosts.example"},
		{Kind: RuleExact, Pattern: "localhost-style.example"},
		{Kind: RuleExact, Pattern: "plain.example"},
		{Kind: RuleWildcard, Pattern: "wild.example"},
		{Kind: RuleWildcard, Pattern: "adblock.example"},
		{Kind: RuleRegex, Pattern: `^ad[0-9]+\.`},
		{Kind: RuleExact, Pattern: "inline.example"},
	}
	assert.Equal(t, want, rules)
}

func newTestEngine(t *testing.T, dir string) (*Engine, string) {
	t.Helper()
	rulePath := filepath.Join(dir, "list1.txt")
	require.NoError(t, os.WriteFile(rulePath, []byte("ads.example\n"), 0o600))

	cfg := &config.BlockingConfig{
		Enabled: true,
		Sources: []config.RuleSource{{ID: 1, Name: "S1", Path: rulePath}},
		Groups:  []config.GroupConfig{{ID: 1, Sources: []int64{1}}},
		Clients: []config.ClientGroupConfig{{IP: "192.168.1.50", GroupID: 1}},
	}
	e, err := NewEngine(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	return e, rulePath
}

func TestEngineCheckAndMemoize(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir())

	d := e.Check("ads.example", 1)
	require.True(t, d.Blocked)
	assert.Equal(t, "S1", d.Source)

	// Second check is served from the decision cache.
	assert.Equal(t, d, e.Check("ads.example", 1))
	assert.GreaterOrEqual(t, e.decisions.Len(), 1)

	assert.False(t, e.Check("fine.example", 1).Blocked)
}

func TestEngineReloadSwapsSnapshotAndClearsDecisions(t *testing.T) {
	e, rulePath := newTestEngine(t, t.TempDir())

	require.True(t, e.Check("ads.example", 1).Blocked)

	require.NoError(t, os.WriteFile(rulePath, []byte("other.example\n"), 0o600))
	require.NoError(t, e.Reload())

	assert.False(t, e.Check("ads.example", 1).Blocked)
	assert.True(t, e.Check("other.example", 1).Blocked)
}

func TestEngineCheckDuringReloadNeverCorrupts(t *testing.T) {
	e, rulePath := newTestEngine(t, t.TempDir())

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d := e.Check("ads.example", 1)
				// Either snapshot gives a well-formed decision.
				if d.Blocked {
					assert.Equal(t, "S1", d.Source)
				} else {
					assert.Empty(t, d.Source)
				}
			}
		}
	}()

	for i := 0; i < 20; i++ {
		content := "ads.example\n"
		if i%2 == 1 {
			content = "other.example\n"
		}
		require.NoError(t, os.WriteFile(rulePath, []byte(content), 0o600))
		require.NoError(t, e.Reload())
	}
	close(stop)
	wg.Wait()
}

func TestEngineResolveGroup(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir())

	assert.Equal(t, int64(1), e.ResolveGroup(mustAddr("192.168.1.50")))
	assert.Equal(t, int64(0), e.ResolveGroup(mustAddr("10.0.0.1")))
}

func TestDecisionCacheClear(t *testing.T) {
	c := NewDecisionCache()
	c.Set("a.example", 1, Decision{Blocked: true, Source: "S1"})
	c.Set("b.example", 2, Decision{})

	d, ok := c.Get("a.example", 1)
	require.True(t, ok)
	assert.True(t, d.Blocked)

	c.Clear()
	_, ok = c.Get("a.example", 1)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestDecisionCacheKeyIncludesGroup(t *testing.T) {
	c := NewDecisionCache()
	c.Set("a.example", 1, Decision{Blocked: true, Source: "S1"})

	_, ok := c.Get("a.example", 2)
	assert.False(t, ok)
}
