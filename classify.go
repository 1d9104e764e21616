package adproxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestDescriptor is what the classifier knows about one outgoing
// request.
type RequestDescriptor struct {
	// URL is the absolute request URL.
	URL string

	// InitiatorDomain is the host of the page that caused the request,
	// empty for top-level navigations.
	InitiatorDomain string

	Method       string
	ResourceType ResourceType

	// Header carries the request headers that may be part of a cache key.
	Header http.Header
}

// Action is the outcome of classifying a request.
type Action uint8

// Classification outcomes.
const (
	ActionAllow Action = iota
	ActionBlock
	ActionRedirect
	ActionInjectCSP
)

func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	case ActionInjectCSP:
		return "csp"
	default:
		return "allow"
	}
}

// Verdict is the classifier's decision for one request.
type Verdict struct {
	Action Action

	// Resource names the substitute resource for ActionRedirect.
	Resource string

	// CSP holds the policies to add for ActionInjectCSP.
	CSP string

	// Rule is the rule that decided the verdict. It is nil for the default
	// allow and for merged CSP verdicts with more than one policy.
	Rule *FilterRule
}

// Reason describes the verdict for logs and block pages.
func (v Verdict) Reason() string {
	if v.Rule == nil {
		return v.Action.String()
	}
	return v.Action.String() + " by " + v.Rule.Text
}

// InvalidRequestError is returned for descriptors that cannot be
// classified. Callers fail open and treat the request as allowed.
type InvalidRequestError struct {
	URL    string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request %q: %s", e.URL, e.Reason)
}

// Classifier decides what to do with a request.
type Classifier interface {
	Classify(req RequestDescriptor) (Verdict, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(req RequestDescriptor) (Verdict, error)

// Classify calls f(req).
func (f ClassifierFunc) Classify(req RequestDescriptor) (Verdict, error) {
	return f(req)
}

// Classify implements Classifier for a fixed index.
func (idx *CompiledIndex) Classify(req RequestDescriptor) (Verdict, error) {
	return Classify(idx, req)
}

// Classify resolves req against idx. Precedence, highest first:
// important block, exception, redirect, block, CSP injection, allow.
// Within one category the most specific rule wins, then the higher ID.
// A nil index allows everything.
func Classify(idx *CompiledIndex, req RequestDescriptor) (Verdict, error) {
	allow := Verdict{Action: ActionAllow}
	t, err := newRequestTarget(req)
	if err != nil {
		return allow, err
	}
	if idx == nil || len(idx.rules) == 0 {
		return allow, nil
	}
	tokens := t.tokens()

	var important, block *FilterRule
	idx.filters.each(tokens, func(i uint32) {
		r := &idx.rules[i]
		if !r.matches(t) {
			return
		}
		if r.IsImportant() {
			if r.outranks(important) {
				important = r
			}
		} else if r.outranks(block) {
			block = r
		}
	})
	if important != nil {
		return Verdict{Action: ActionBlock, Rule: important}, nil
	}

	var exception *FilterRule
	idx.exceptions.each(tokens, func(i uint32) {
		if r := &idx.rules[i]; r.outranks(exception) && r.matches(t) {
			exception = r
		}
	})
	if exception != nil {
		return Verdict{Action: ActionAllow, Rule: exception}, nil
	}

	if redirect := idx.redirectFor(t, tokens, block != nil); redirect != nil {
		return Verdict{Action: ActionRedirect, Resource: redirect.Redirect, Rule: redirect}, nil
	}
	if block != nil {
		return Verdict{Action: ActionBlock, Rule: block}, nil
	}
	if v, ok := idx.cspFor(t, tokens); ok {
		return v, nil
	}
	return allow, nil
}

// redirectFor picks the best redirect rule not cancelled by a redirect
// exception for the same resource. redirect-rule entries only apply when
// a blocking rule matched too.
func (idx *CompiledIndex) redirectFor(t *requestTarget, tokens []uint32, blocked bool) *FilterRule {
	var (
		candidates []*FilterRule
		disabled   map[string]bool
	)
	idx.redirects.each(tokens, func(i uint32) {
		r := &idx.rules[i]
		if !r.matches(t) {
			return
		}
		if r.IsException() {
			if disabled == nil {
				disabled = make(map[string]bool)
			}
			disabled[r.Redirect] = true
			return
		}
		if r.mask&maskRedirectRule != 0 && !blocked {
			return
		}
		candidates = append(candidates, r)
	})

	var best *FilterRule
	for _, r := range candidates {
		if !disabled[r.Redirect] && r.outranks(best) {
			best = r
		}
	}
	return best
}

// cspFor merges every matching CSP policy that no exception disables.
// Policies are ordered by rule rank and joined with ", ", which browsers
// treat as separate policies that all apply.
func (idx *CompiledIndex) cspFor(t *requestTarget, tokens []uint32) (Verdict, bool) {
	var (
		rules      []*FilterRule
		disabled   = make(map[string]bool)
		disableAll bool
	)
	idx.csp.each(tokens, func(i uint32) {
		r := &idx.rules[i]
		if !r.matches(t) {
			return
		}
		switch {
		case !r.IsException():
			rules = append(rules, r)
		case r.CSP == "":
			disableAll = true
		default:
			disabled[r.CSP] = true
		}
	})
	if disableAll || len(rules) == 0 {
		return Verdict{}, false
	}

	// Insertion sort by rank; matching CSP rule sets are tiny.
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].outranks(rules[j-1]); j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}

	var (
		policies []string
		seen     = make(map[string]bool)
		first    *FilterRule
	)
	for _, r := range rules {
		if disabled[r.CSP] || seen[r.CSP] {
			continue
		}
		seen[r.CSP] = true
		policies = append(policies, r.CSP)
		if first == nil {
			first = r
		}
	}
	if len(policies) == 0 {
		return Verdict{}, false
	}
	v := Verdict{Action: ActionInjectCSP, CSP: strings.Join(policies, ", ")}
	if len(policies) == 1 {
		v.Rule = first
	}
	return v, true
}

// requestTarget is a RequestDescriptor prepared for matching.
type requestTarget struct {
	url   string
	lower string
	host  string

	// hostStarts are the offsets in url where a || anchor may match: the
	// start of the host and the start of each of its labels.
	hostStarts []int

	typeBit    ruleMask
	thirdParty bool
	initiator  []uint64
}

func newRequestTarget(req RequestDescriptor) (*requestTarget, error) {
	if req.URL == "" {
		return nil, &InvalidRequestError{Reason: "empty url"}
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &InvalidRequestError{URL: req.URL, Reason: err.Error()}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &InvalidRequestError{URL: req.URL, Reason: "url is not absolute"}
	}

	t := &requestTarget{
		url:     req.URL,
		lower:   asciiLower(req.URL),
		host:    normalizeHost(u.Host),
		typeBit: typeBit(req.ResourceType),
	}
	initiator := normalizeHost(req.InitiatorDomain)
	t.thirdParty = isThirdParty(t.host, initiator)
	t.initiator = domainHashes(initiator)

	start := strings.Index(t.lower, "://")
	if start < 0 {
		return nil, &InvalidRequestError{URL: req.URL, Reason: "url has no authority"}
	}
	start += 3
	end := len(t.lower)
	if i := strings.IndexAny(t.lower[start:], "/?#"); i >= 0 {
		end = start + i
	}
	if at := strings.LastIndexByte(t.lower[start:end], '@'); at >= 0 {
		start += at + 1
	}
	t.hostStarts = append(t.hostStarts, start)
	for i := start; i < end; i++ {
		switch t.lower[i] {
		case '.':
			t.hostStarts = append(t.hostStarts, i+1)
		case ':':
			i = end
		}
	}
	return t, nil
}

// tokens returns the distinct 3-byte windows of the lower-cased URL.
func (t *requestTarget) tokens() []uint32 {
	n := len(t.lower) - tokenLen + 1
	if n <= 0 {
		return nil
	}
	seen := make(map[uint32]struct{}, n)
	out := make([]uint32, 0, n)
	for i := range n {
		tok := tokenAt(t.lower, i)
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// asciiLower lower-cases ASCII letters only, keeping byte offsets stable.
func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if 'A' <= s[i] && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if 'A' <= b[j] && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
