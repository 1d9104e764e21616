package adproxy

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Stats(t *testing.T) {
	idx, err := Compile([]string{
		"[Adblock Plus 2.0]",
		"! Title: test list",
		"# hosts style comment",
		"",
		"example.com##.banner",
		"example.com#@#.banner",
		"||ads.example.com^",
		"||ads.example.com^",
		"@@||ads.example.com/allowed^",
		"||cdn.example.com/lib.js$script,redirect=noopjs",
		"||news.example.com^$csp=script-src 'self'",
		"||popups.example.com^$popup",
		"0.0.0.0 tracker.example.net",
		"127.0.0.1 localhost",
	})
	require.NoError(t, err)

	s := idx.Stats()
	assert.Equal(t, 14, s.Lines)
	assert.Equal(t, 4, s.Comments)
	assert.Equal(t, 2, s.Cosmetic)
	assert.Equal(t, 2, s.Unsupported)
	assert.Equal(t, 1, s.Duplicates)
	assert.Equal(t, 5, s.Rules)
	assert.Equal(t, 2, s.Filters)
	assert.Equal(t, 1, s.Exceptions)
	assert.Equal(t, 1, s.Redirects)
	assert.Equal(t, 1, s.CSP)
	assert.Equal(t, 8, s.Skipped())
	assert.Equal(t, 5, idx.Len())
}

func TestCompile_ParseError(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"unknown option", "||ads.example.com^$frobnicate"},
		{"unknown option on path rule", "/x/*$frobnicate"},
		{"unknown option on regexp", "/ads[0-9]/$frobnicate"},
		{"empty option list", "||ads.example.com^$"},
		{"empty option", "||ads.example.com^$script,,image"},
		{"bad regexp", "/ads[/"},
		{"csp without policy", "||ads.example.com^$csp"},
		{"redirect without resource", "||ads.example.com^$redirect="},
		{"csp and redirect", "||ads.example.com^$csp=img-src 'none',redirect=noopjs"},
		{"empty domain", "||ads.example.com^$domain=a.com|"},
		{"type with value", "||ads.example.com^$script=1"},
		{"negated match-case", "||ads.example.com^$~match-case"},
		{"types cancel out", "||ads.example.com^$script,~script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]string{"! header", "||fine.example.com^", tt.line})
			require.Error(t, err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
			assert.Equal(t, 3, pe.Line)
			assert.Equal(t, tt.line, pe.Text)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

func TestCompile_ExceptionCSPWithoutPolicy(t *testing.T) {
	idx, err := Compile([]string{"@@||example.com^$csp"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Stats().CSP)
}

func TestCompile_Badfilter(t *testing.T) {
	idx, err := Compile([]string{
		"||ads.example.com^",
		"||ads.example.com^$badfilter",
		"||other.example.com^",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 1, idx.Stats().Badfiltered)

	v, err := Classify(idx, RequestDescriptor{URL: "https://ads.example.com/x.js", ResourceType: ResourceScript})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)

	v, err = Classify(idx, RequestDescriptor{URL: "https://other.example.com/x.js", ResourceType: ResourceScript})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, v.Action)
}

func TestCompile_BadfilterOnlyMatchesIdenticalRule(t *testing.T) {
	idx, err := Compile([]string{
		"||ads.example.com^$script",
		"||ads.example.com^$badfilter",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 0, idx.Stats().Badfiltered)
}

func TestCompile_DuplicatesKeepOneRule(t *testing.T) {
	idx, err := Compile([]string{
		"||ads.example.com^$script,third-party",
		"||ADS.example.com^$third-party,script",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 1, idx.Stats().Duplicates)
}

func TestCompile_HostsEntries(t *testing.T) {
	idx, err := Compile([]string{
		"0.0.0.0 tracker.example.net",
		"::1 ip6-localhost",
	})
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())
	assert.Equal(t, "||tracker.example.net^", idx.Rules()[0].Text)

	v, err := Classify(idx, RequestDescriptor{URL: "http://sub.tracker.example.net/p.gif", ResourceType: ResourceImage})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, v.Action)
}

func TestCompile_PathRuleOptions(t *testing.T) {
	tests := []struct {
		line    string
		pattern string
		kind    patternKind
		types   ruleMask
	}{
		{"/ads.js$script", "/ads.js", patternLiteral, typeBit(ResourceScript)},
		{"/banner1/*/ad^$image", "/banner1/*/ad^", patternWildcard, typeBit(ResourceImage)},
		{"/track/$image", "/track/", patternRegexp, typeBit(ResourceImage)},
		{"/track\\.js$/", "/track\\.js$/", patternRegexp, 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			rules := MustCompile(tt.line).Rules()
			require.Len(t, rules, 1)
			assert.Equal(t, tt.pattern, rules[0].pattern.text)
			assert.Equal(t, tt.kind, rules[0].pattern.kind)
			assert.Equal(t, tt.types, rules[0].mask&(typeBit(ResourceScript)|typeBit(ResourceImage)))
		})
	}
}

func TestCompile_HashComments(t *testing.T) {
	idx, err := Compile([]string{
		"#=====",
		"#0.0.0.0 ads.example.com",
		"#",
		"##.banner",
		"||ads.example.com^",
	})
	require.NoError(t, err)

	s := idx.Stats()
	assert.Equal(t, 3, s.Comments)
	assert.Equal(t, 1, s.Cosmetic)
	assert.Equal(t, 1, s.Rules)
}

func TestFilterRule_SpecificityIgnoresSeparators(t *testing.T) {
	spec := map[string]int{}
	for _, r := range MustCompile("ads^", "adsx", "||ads.example^*", "/ad[0-9]/").Rules() {
		spec[r.Text] = r.Specificity()
	}
	assert.Equal(t, 3, spec["ads^"])
	assert.Equal(t, 4, spec["adsx"])
	assert.Equal(t, len("ads.example"), spec["||ads.example^*"])
	assert.Equal(t, len("ad[0-9]"), spec["/ad[0-9]/"])
}

func TestCompile_EntityDomainsSkipped(t *testing.T) {
	idx, err := Compile([]string{"||ads.example.com^$domain=google.*"})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 1, idx.Stats().Unsupported)
}

func TestCompile_FallbackRules(t *testing.T) {
	idx, err := Compile([]string{"$script,third-party", "/ad[0-9]+\\.js/", "||ads.example.com^"})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Stats().Fallback)
}

func TestCompile_RulesReturnsCopy(t *testing.T) {
	idx := MustCompile("||ads.example.com^")
	rules := idx.Rules()
	rules[0].Text = "changed"
	assert.Equal(t, "||ads.example.com^", idx.Rules()[0].Text)
}

func TestCompiledIndex_NilSafe(t *testing.T) {
	var idx *CompiledIndex
	assert.Equal(t, 0, idx.Len())
	assert.Nil(t, idx.Rules())
	assert.Equal(t, CompileStats{}, idx.Stats())

	v, err := Classify(idx, RequestDescriptor{URL: "https://ads.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("||x.example.com^$nope") })
}

func TestFilterRule_StableID(t *testing.T) {
	a := MustCompile("||ads.example.com^$script,domain=b.com|a.com").Rules()[0]
	b := MustCompile("||ads.example.com^$domain=a.com|b.com,script").Rules()[0]
	c := MustCompile("||ads.example.com^$script,domain=a.com").Rules()[0]

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestFilterRule_Flags(t *testing.T) {
	rules := MustCompile(
		"@@||good.example.com^",
		"||bad.example.com^$important",
	).Rules()

	assert.True(t, rules[0].IsException())
	assert.False(t, rules[0].IsImportant())
	assert.False(t, rules[1].IsException())
	assert.True(t, rules[1].IsImportant())
	assert.Equal(t, len("bad.example.com"), rules[1].Specificity())
	assert.Equal(t, "||bad.example.com^$important", rules[1].String())
}

func TestParseResourceType(t *testing.T) {
	tests := map[string]ResourceType{
		"script":         ResourceScript,
		"xhr":            ResourceXHR,
		"xmlhttprequest": ResourceXHR,
		"css":            ResourceStylesheet,
		"frame":          ResourceSubdocument,
		"DOCUMENT":       ResourceDocument,
		"ping":           ResourcePing,
		"other":          ResourceOther,
	}
	for in, want := range tests {
		got, ok := ParseResourceType(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseResourceType("bogus")
	assert.False(t, ok)
	assert.Equal(t, "xmlhttprequest", ResourceXHR.String())
	assert.Equal(t, "other", ResourceType(200).String())
}

// ruleLines draws from a fixed vocabulary of rules so generated lists
// exercise every bucket, duplicates and badfilter removal.
func ruleLines() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf(
		"||ads.example.com^",
		"||ads.example.com^$badfilter",
		"||ads.example.com^$important",
		"@@||ads.example.com/ok/*",
		"-ads-$script",
		"@@good-ads-$script",
		"||track.example.net^$third-party,domain=site.com",
		"||cdn.example.org/lib.js$script,redirect=noopjs",
		"||cdn.example.org^$redirect-rule=1x1.gif,image",
		"||news.example.com^$csp=script-src 'self'",
		"||news.example.com^$csp=img-src 'none'",
		"@@||news.example.com/live^$csp",
		"/banner[0-9]+\\.gif/",
		"example.com##.ad",
		"! comment",
		"",
	))
}

func TestCompile_Deterministic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("compiling the same lines twice yields the same rules", prop.ForAll(
		func(lines []string) bool {
			a, errA := Compile(lines)
			b, errB := Compile(lines)
			if errA != nil || errB != nil {
				return false
			}
			if a.Stats() != b.Stats() || a.Len() != b.Len() {
				return false
			}
			ra, rb := a.Rules(), b.Rules()
			for i := range ra {
				if ra[i].ID != rb[i].ID || ra[i].Text != rb[i].Text {
					return false
				}
			}
			return true
		},
		ruleLines(),
	))

	properties.Property("compiled indexes classify identically", prop.ForAll(
		func(lines []string) bool {
			a := MustCompile(lines...)
			b := MustCompile(lines...)
			for _, req := range []RequestDescriptor{
				{URL: "https://ads.example.com/ok/x.js", InitiatorDomain: "site.com", ResourceType: ResourceScript},
				{URL: "https://track.example.net/p", InitiatorDomain: "www.site.com", ResourceType: ResourceImage},
				{URL: "https://cdn.example.org/lib.js", InitiatorDomain: "site.com", ResourceType: ResourceScript},
				{URL: "https://news.example.com/live/", ResourceType: ResourceDocument},
				{URL: "https://x.example.com/good-ads-1.js", ResourceType: ResourceScript},
			} {
				va, _ := Classify(a, req)
				vb, _ := Classify(b, req)
				if va.Action != vb.Action || va.Resource != vb.Resource || va.CSP != vb.CSP {
					return false
				}
				if (va.Rule == nil) != (vb.Rule == nil) || va.Rule != nil && va.Rule.ID != vb.Rule.ID {
					return false
				}
			}
			return true
		},
		ruleLines(),
	))

	properties.Property("rule count never exceeds network lines", prop.ForAll(
		func(lines []string) bool {
			s := MustCompile(lines...).Stats()
			return s.Rules+s.Skipped()+s.Duplicates+s.Badfiltered <= s.Lines
		},
		ruleLines(),
	))

	properties.TestingRun(t)
}
