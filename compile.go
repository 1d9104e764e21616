package adproxy

import (
	"fmt"
	"strings"
)

// tokenLen is the width of the URL windows that key index buckets.
const tokenLen = 3

// ParseError reports a malformed filter line. One bad line aborts the
// whole compile.
type ParseError struct {
	Line   int // 1-based
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter line %d %q: %s", e.Line, e.Text, e.Reason)
}

// CompileStats summarizes one Compile run.
type CompileStats struct {
	Lines       int `json:"lines"`
	Rules       int `json:"rules"`
	Comments    int `json:"comments"`
	Cosmetic    int `json:"cosmetic"`
	Unsupported int `json:"unsupported"`
	Duplicates  int `json:"duplicates"`
	Badfiltered int `json:"badfiltered"`

	Filters    int `json:"filters"`
	Exceptions int `json:"exceptions"`
	Redirects  int `json:"redirects"`
	CSP        int `json:"csp"`

	// Fallback counts rules without a usable literal. They are scanned
	// for every request.
	Fallback int `json:"fallback"`
}

// Skipped is the number of lines that produced no network rule.
func (s CompileStats) Skipped() int {
	return s.Comments + s.Cosmetic + s.Unsupported
}

// CompiledIndex is the immutable lookup structure built by Compile. It is
// safe for concurrent use by any number of classifiers.
type CompiledIndex struct {
	rules []FilterRule

	filters    bucketIndex
	exceptions bucketIndex
	redirects  bucketIndex
	csp        bucketIndex

	stats CompileStats
}

// bucketIndex maps a 3-byte token to the arena positions of the rules
// filed under it. Rules without a token live in fallback.
type bucketIndex struct {
	buckets  map[uint32][]uint32
	fallback []uint32
}

// Stats returns the counters gathered while compiling the index.
func (idx *CompiledIndex) Stats() CompileStats {
	if idx == nil {
		return CompileStats{}
	}
	return idx.stats
}

// Len returns the number of rules in the index.
func (idx *CompiledIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.rules)
}

// Rules returns a copy of the compiled rules in index order.
func (idx *CompiledIndex) Rules() []FilterRule {
	if idx == nil {
		return nil
	}
	out := make([]FilterRule, len(idx.rules))
	copy(out, idx.rules)
	return out
}

// Compile parses filter list lines into a CompiledIndex. Comments,
// cosmetic rules and rules with options the proxy cannot apply are
// skipped and counted; any other malformed line fails the compile with a
// *ParseError.
func Compile(lines []string) (*CompiledIndex, error) {
	var (
		stats      CompileStats
		parsed     []FilterRule
		position   = make(map[uint64]int)
		badfilters = make(map[uint64]struct{})
	)

	for i, raw := range lines {
		stats.Lines++
		line := strings.TrimSpace(raw)
		r, kind, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Text: line, Reason: err.Error()}
		}
		switch kind {
		case lineComment:
			stats.Comments++
			continue
		case lineCosmetic:
			stats.Cosmetic++
			continue
		case lineUnsupported:
			stats.Unsupported++
			continue
		}

		if r.mask&maskBadfilter != 0 {
			badfilters[r.ID] = struct{}{}
			continue
		}
		if at, ok := position[r.ID]; ok {
			parsed[at] = r
			stats.Duplicates++
			continue
		}
		position[r.ID] = len(parsed)
		parsed = append(parsed, r)
	}

	idx := &CompiledIndex{rules: make([]FilterRule, 0, len(parsed))}
	for _, r := range parsed {
		if _, ok := badfilters[r.ID]; ok {
			stats.Badfiltered++
			continue
		}
		idx.rules = append(idx.rules, r)
	}

	idx.filters.buckets = make(map[uint32][]uint32)
	idx.exceptions.buckets = make(map[uint32][]uint32)
	idx.redirects.buckets = make(map[uint32][]uint32)
	idx.csp.buckets = make(map[uint32][]uint32)

	for i := range idx.rules {
		r := &idx.rules[i]
		var bi *bucketIndex
		switch {
		case r.mask&maskCSP != 0:
			bi = &idx.csp
			stats.CSP++
		case r.Redirect != "":
			bi = &idx.redirects
			stats.Redirects++
		case r.IsException():
			bi = &idx.exceptions
			stats.Exceptions++
		default:
			bi = &idx.filters
			stats.Filters++
		}
		if !bi.add(r.pattern.literal(), uint32(i)) {
			stats.Fallback++
		}
	}

	stats.Rules = len(idx.rules)
	idx.stats = stats
	return idx, nil
}

// MustCompile is like Compile but panics on a parse error. It simplifies
// initializing indexes from constant rule lists.
func MustCompile(lines ...string) *CompiledIndex {
	idx, err := Compile(lines)
	if err != nil {
		panic(err)
	}
	return idx
}

// add files rule i under the least populated token of lit, or in the
// fallback list when lit is empty. It reports whether a token was used.
func (bi *bucketIndex) add(lit string, i uint32) bool {
	if len(lit) < tokenLen {
		bi.fallback = append(bi.fallback, i)
		return false
	}
	best := tokenAt(lit, 0)
	bestLen := len(bi.buckets[best])
	for j := 1; j+tokenLen <= len(lit) && bestLen > 0; j++ {
		tok := tokenAt(lit, j)
		if n := len(bi.buckets[tok]); n < bestLen {
			best, bestLen = tok, n
		}
	}
	bi.buckets[best] = append(bi.buckets[best], i)
	return true
}

// each calls fn for every rule filed under one of tokens, plus the
// fallback rules. tokens must not repeat.
func (bi *bucketIndex) each(tokens []uint32, fn func(i uint32)) {
	if len(bi.buckets) > 0 {
		for _, tok := range tokens {
			for _, i := range bi.buckets[tok] {
				fn(i)
			}
		}
	}
	for _, i := range bi.fallback {
		fn(i)
	}
}

func tokenAt(s string, i int) uint32 {
	return uint32(s[i])<<16 | uint32(s[i+1])<<8 | uint32(s[i+2])
}
