package adproxy

import (
	"fmt"
	"regexp"
	"strings"
)

// patternKind tags the representation a pattern compiled to. Matching
// dispatches on it in pattern.match.
type patternKind uint8

const (
	patternAny      patternKind = iota // matches every URL
	patternLiteral                     // plain substring
	patternAnchored                    // literal with |, || or a trailing | anchor
	patternWildcard                    // literal runs joined by * and ^
	patternRegexp                      // /regular expression/
)

type pattern struct {
	kind patternKind

	// text is lower-cased unless matchCase is set, with anchors removed.
	text string

	// glob is text with an implicit leading '*' for unanchored wildcards.
	glob string

	hostAnchor  bool
	startAnchor bool
	endAnchor   bool
	matchCase   bool

	re *regexp.Regexp
}

func compilePattern(src string, matchCase bool) (pattern, error) {
	p := pattern{matchCase: matchCase}

	if len(src) > 2 && src[0] == '/' && src[len(src)-1] == '/' {
		expr := src[1 : len(src)-1]
		if !matchCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return p, fmt.Errorf("invalid regular expression: %w", err)
		}
		p.kind = patternRegexp
		p.text = src
		p.re = re
		return p, nil
	}

	switch {
	case strings.HasPrefix(src, "||"):
		p.hostAnchor = true
		src = src[2:]
	case strings.HasPrefix(src, "|"):
		p.startAnchor = true
		src = src[1:]
	}
	if strings.HasSuffix(src, "|") {
		p.endAnchor = true
		src = src[:len(src)-1]
	}
	if strings.HasPrefix(src, "*") {
		p.hostAnchor, p.startAnchor = false, false
		src = strings.TrimLeft(src, "*")
	}
	if strings.HasSuffix(src, "*") {
		p.endAnchor = false
		src = strings.TrimRight(src, "*")
	}
	if !matchCase {
		src = asciiLower(src)
	}
	p.text = src

	switch {
	case src == "":
		p.kind = patternAny
		p.hostAnchor, p.startAnchor, p.endAnchor = false, false, false
	case strings.ContainsAny(src, "*^"):
		p.kind = patternWildcard
		p.glob = "*" + src
	case p.hostAnchor || p.startAnchor || p.endAnchor:
		p.kind = patternAnchored
	default:
		p.kind = patternLiteral
	}
	return p, nil
}

// source renders the normalized pattern with its anchors.
func (p *pattern) source() string {
	if p.kind == patternRegexp {
		return p.text
	}
	var b strings.Builder
	switch {
	case p.hostAnchor:
		b.WriteString("||")
	case p.startAnchor:
		b.WriteString("|")
	}
	b.WriteString(p.text)
	if p.endAnchor {
		b.WriteString("|")
	}
	return b.String()
}

func (p *pattern) specificity() int {
	if p.kind == patternRegexp {
		return len(p.text) - 2
	}
	return len(p.text) - strings.Count(p.text, "*") - strings.Count(p.text, "^")
}

// literal returns the longest run of at least tokenLen literal characters,
// lower-cased to match the lookup side.
func (p *pattern) literal() string {
	if p.kind == patternRegexp || p.kind == patternAny {
		return ""
	}
	var best string
	for _, run := range strings.FieldsFunc(p.text, func(r rune) bool { return r == '*' || r == '^' }) {
		if len(run) > len(best) {
			best = run
		}
	}
	if len(best) < tokenLen {
		return ""
	}
	return asciiLower(best)
}

func (p *pattern) match(t *requestTarget) bool {
	s := t.lower
	if p.matchCase {
		s = t.url
	}

	switch p.kind {
	case patternAny:
		return true
	case patternRegexp:
		return p.re.MatchString(t.url)
	case patternLiteral:
		return strings.Contains(s, p.text)
	}

	if p.hostAnchor {
		for _, i := range t.hostStarts {
			if p.matchAt(s[i:]) {
				return true
			}
		}
		return false
	}
	if p.startAnchor {
		return p.matchAt(s)
	}
	if p.kind == patternAnchored {
		return strings.HasSuffix(s, p.text)
	}
	return globMatch(p.glob, s, p.endAnchor)
}

// matchAt matches a left-anchored pattern against the start of s.
func (p *pattern) matchAt(s string) bool {
	if p.kind == patternWildcard {
		return globMatch(p.text, s, p.endAnchor)
	}
	if p.endAnchor {
		return s == p.text
	}
	return strings.HasPrefix(s, p.text)
}

// globMatch reports whether pat matches a prefix of s, or all of s when
// full is set. '*' matches any run of characters; '^' matches a single
// separator character or the end of s.
func globMatch(pat, s string, full bool) bool {
	px, sx := 0, 0
	starP, starS := -1, 0
	for {
		if px < len(pat) {
			c := pat[px]
			if c == '*' {
				starP, starS = px, sx
				px++
				continue
			}
			if sx < len(s) && (c == s[sx] || c == '^' && isSeparator(s[sx])) {
				px++
				sx++
				continue
			}
			if sx == len(s) && strings.Trim(pat[px:], "*^") == "" {
				return true
			}
		} else if !full || sx == len(s) {
			return true
		}
		if starP < 0 || starS >= len(s) {
			return false
		}
		starS++
		sx = starS
		px = starP + 1
	}
}

// isSeparator is the character class of the '^' placeholder: anything
// but a letter, a digit, or one of _ - . %.
func isSeparator(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	case c == '_', c == '-', c == '.', c == '%':
		return false
	}
	return true
}
