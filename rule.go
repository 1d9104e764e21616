package adproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ResourceType identifies the kind of resource a request loads.
type ResourceType uint8

// Resource types understood by filter rule type options.
const (
	ResourceOther ResourceType = iota
	ResourceDocument
	ResourceSubdocument
	ResourceScript
	ResourceImage
	ResourceStylesheet
	ResourceXHR
	ResourceFont
	ResourceMedia
	ResourceObject
	ResourceWebSocket
	ResourcePing
)

var resourceTypeNames = [...]string{
	ResourceOther:       "other",
	ResourceDocument:    "document",
	ResourceSubdocument: "subdocument",
	ResourceScript:      "script",
	ResourceImage:       "image",
	ResourceStylesheet:  "stylesheet",
	ResourceXHR:         "xmlhttprequest",
	ResourceFont:        "font",
	ResourceMedia:       "media",
	ResourceObject:      "object",
	ResourceWebSocket:   "websocket",
	ResourcePing:        "ping",
}

// String returns the filter option name of the resource type.
func (t ResourceType) String() string {
	if int(t) < len(resourceTypeNames) {
		return resourceTypeNames[t]
	}
	return "other"
}

// ParseResourceType maps an option name or alias ("xhr", "css", "frame")
// to a ResourceType.
func ParseResourceType(s string) (ResourceType, bool) {
	m, ok := typeOptions[strings.ToLower(s)]
	if !ok {
		return ResourceOther, false
	}
	for t := range resourceTypeNames {
		if typeBit(ResourceType(t)) == m {
			return ResourceType(t), true
		}
	}
	return ResourceOther, false
}

// ruleMask packs the boolean options of a filter rule.
type ruleMask uint32

const (
	maskDocument ruleMask = 1 << iota
	maskSubdocument
	maskScript
	maskImage
	maskStylesheet
	maskXHR
	maskFont
	maskMedia
	maskObject
	maskWebSocket
	maskPing
	maskOther

	maskException
	maskThirdParty
	maskFirstParty
	maskMatchCase
	maskImportant
	maskRedirectRule
	maskCSP
	maskBadfilter
)

const maskAllTypes = maskDocument | maskSubdocument | maskScript | maskImage |
	maskStylesheet | maskXHR | maskFont | maskMedia | maskObject |
	maskWebSocket | maskPing | maskOther

func typeBit(t ResourceType) ruleMask {
	switch t {
	case ResourceDocument:
		return maskDocument
	case ResourceSubdocument:
		return maskSubdocument
	case ResourceScript:
		return maskScript
	case ResourceImage:
		return maskImage
	case ResourceStylesheet:
		return maskStylesheet
	case ResourceXHR:
		return maskXHR
	case ResourceFont:
		return maskFont
	case ResourceMedia:
		return maskMedia
	case ResourceObject:
		return maskObject
	case ResourceWebSocket:
		return maskWebSocket
	case ResourcePing:
		return maskPing
	default:
		return maskOther
	}
}

var typeOptions = map[string]ruleMask{
	"document":       maskDocument,
	"doc":            maskDocument,
	"subdocument":    maskSubdocument,
	"frame":          maskSubdocument,
	"script":         maskScript,
	"image":          maskImage,
	"stylesheet":     maskStylesheet,
	"css":            maskStylesheet,
	"xmlhttprequest": maskXHR,
	"xhr":            maskXHR,
	"font":           maskFont,
	"media":          maskMedia,
	"object":         maskObject,
	"websocket":      maskWebSocket,
	"ping":           maskPing,
	"other":          maskOther,
}

// Options that are valid filter syntax but describe behavior a network
// proxy cannot apply. Lines carrying them are skipped, not rejected.
var unsupportedOptions = map[string]bool{
	"popup":         true,
	"popunder":      true,
	"elemhide":      true,
	"ehide":         true,
	"generichide":   true,
	"ghide":         true,
	"specifichide":  true,
	"shide":         true,
	"genericblock":  true,
	"removeparam":   true,
	"queryprune":    true,
	"empty":         true,
	"mp4":           true,
	"inline-script": true,
	"inline-font":   true,
	"header":        true,
	"permissions":   true,
	"rewrite":       true,
}

// FilterRule is one compiled network filter. Rules are immutable once
// Compile returns.
type FilterRule struct {
	// ID is a stable hash over the pattern, options, domain constraints,
	// redirect resource and CSP policy.
	ID uint64

	// Text is the source line, kept for diagnostics.
	Text string

	// Redirect names the substitute resource of a redirect rule.
	Redirect string

	// CSP is the policy injected by a csp= rule.
	CSP string

	pattern     pattern
	mask        ruleMask
	domains     domainConstraints
	specificity int
}

// IsException reports whether the rule is an @@ allow rule.
func (r *FilterRule) IsException() bool { return r.mask&maskException != 0 }

// IsImportant reports whether the rule carries $important.
func (r *FilterRule) IsImportant() bool { return r.mask&maskImportant != 0 }

// Specificity is the number of literal characters in the rule's pattern.
// Longer patterns win ties within one category.
func (r *FilterRule) Specificity() int { return r.specificity }

func (r *FilterRule) String() string { return r.Text }

// outranks implements the tie-break between rules of the same category.
func (r *FilterRule) outranks(o *FilterRule) bool {
	if o == nil {
		return true
	}
	if r.specificity != o.specificity {
		return r.specificity > o.specificity
	}
	return r.ID > o.ID
}

// lineKind says what parseLine found on a list line.
type lineKind uint8

const (
	lineNetwork lineKind = iota
	lineComment
	lineCosmetic
	lineUnsupported
)

var cosmeticMarkers = []string{"##", "#@#", "#?#", "#@?#", "#$#", "#@$#", "#%#", "#@%#", "$$", "$@$"}

// parseLine parses one trimmed filter list line. Only lineNetwork results
// carry a rule; a non-nil error means the line is malformed.
func parseLine(line string) (FilterRule, lineKind, error) {
	switch {
	case line == "", line[0] == '!':
		return FilterRule{}, lineComment, nil
	case line[0] == '[' && line[len(line)-1] == ']':
		return FilterRule{}, lineComment, nil
	}
	for _, m := range cosmeticMarkers {
		if strings.Contains(line, m) {
			return FilterRule{}, lineCosmetic, nil
		}
	}
	if line[0] == '#' {
		return FilterRule{}, lineComment, nil
	}
	if host, ok := hostsEntry(line); ok {
		if host == "" {
			return FilterRule{}, lineUnsupported, nil
		}
		line = "||" + host + "^"
	}

	r := FilterRule{Text: line}
	body := line
	if strings.HasPrefix(body, "@@") {
		r.mask |= maskException
		body = body[2:]
	}

	src, opts, hasOpts := splitOptions(body)
	if hasOpts {
		skip, err := r.parseOptions(opts)
		if err != nil {
			return FilterRule{}, lineNetwork, err
		}
		if skip {
			return FilterRule{}, lineUnsupported, nil
		}
	}

	p, err := compilePattern(src, r.mask&maskMatchCase != 0)
	if err != nil {
		return FilterRule{}, lineNetwork, err
	}
	if p.kind == patternAny && !hasOpts {
		return FilterRule{}, lineNetwork, fmt.Errorf("empty pattern")
	}
	r.pattern = p
	r.specificity = p.specificity()
	r.ID = r.computeID()
	return r, lineNetwork, nil
}

// hostsEntry recognizes "0.0.0.0 host" style lines. The returned host is
// empty for loopback aliases such as "localhost".
func hostsEntry(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || net.ParseIP(fields[0]) == nil {
		return "", false
	}
	host := strings.ToLower(fields[1])
	switch host {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "0.0.0.0", "ip6-localhost", "ip6-loopback":
		return "", true
	}
	return host, true
}

// splitOptions cuts the option list from a rule body. A body of the form
// /re/ is a regular expression without options and /re/$opts carries them
// after the closing slash; any other body splits at its last '$'.
func splitOptions(body string) (src, opts string, ok bool) {
	if len(body) > 1 && body[0] == '/' {
		if body[len(body)-1] == '/' {
			return body, "", false
		}
		if i := strings.LastIndex(body, "/$"); i > 0 {
			return body[:i+1], body[i+2:], true
		}
	}
	i := strings.LastIndexByte(body, '$')
	if i < 0 {
		return body, "", false
	}
	return body[:i], body[i+1:], true
}

// parseOptions applies a comma separated option list to r. It reports
// skip when an option is valid syntax the proxy does not implement.
func (r *FilterRule) parseOptions(opts string) (skip bool, err error) {
	if opts == "" {
		return false, fmt.Errorf("empty option list")
	}
	var types, negTypes ruleMask
	for opt := range strings.SplitSeq(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return false, fmt.Errorf("empty option")
		}
		name, value, hasValue := strings.Cut(opt, "=")
		name = strings.ToLower(name)
		negated := strings.HasPrefix(name, "~")
		name = strings.TrimPrefix(name, "~")

		if bit, ok := typeOptions[name]; ok {
			if hasValue {
				return false, fmt.Errorf("option %q takes no value", name)
			}
			if negated {
				negTypes |= bit
			} else {
				types |= bit
			}
			continue
		}
		if unsupportedOptions[name] {
			skip = true
			continue
		}
		if negated && name != "third-party" && name != "3p" && name != "first-party" && name != "1p" {
			return false, fmt.Errorf("option %q cannot be negated", name)
		}

		switch name {
		case "third-party", "3p":
			if negated {
				r.mask |= maskFirstParty
			} else {
				r.mask |= maskThirdParty
			}
		case "first-party", "1p":
			if negated {
				r.mask |= maskThirdParty
			} else {
				r.mask |= maskFirstParty
			}
		case "match-case":
			r.mask |= maskMatchCase
		case "important":
			r.mask |= maskImportant
		case "badfilter":
			r.mask |= maskBadfilter
		case "domain":
			if !hasValue || value == "" {
				return false, fmt.Errorf("domain option needs a value")
			}
			d, entity, err := parseDomainOption(value)
			if err != nil {
				return false, err
			}
			if entity {
				skip = true
			}
			r.domains = d
		case "csp":
			if !hasValue && r.mask&maskException == 0 {
				return false, fmt.Errorf("csp option needs a policy")
			}
			if hasValue && strings.TrimSpace(value) == "" {
				return false, fmt.Errorf("csp option needs a policy")
			}
			r.mask |= maskCSP
			r.CSP = strings.TrimSpace(value)
		case "redirect", "redirect-rule":
			resource, _, _ := strings.Cut(value, ":")
			if resource == "" {
				return false, fmt.Errorf("%s option needs a resource", name)
			}
			r.Redirect = resource
			if name == "redirect-rule" {
				r.mask |= maskRedirectRule
			}
		default:
			return false, fmt.Errorf("unknown option %q", name)
		}
	}

	switch {
	case types != 0:
		types &^= negTypes
		if types == 0 {
			return false, fmt.Errorf("type options exclude every resource type")
		}
		r.mask |= types
	case negTypes != 0:
		r.mask |= maskAllTypes &^ negTypes
	}
	if r.mask&(maskThirdParty|maskFirstParty) == maskThirdParty|maskFirstParty {
		r.mask &^= maskThirdParty | maskFirstParty
	}
	if r.mask&maskCSP != 0 && r.Redirect != "" {
		return false, fmt.Errorf("csp and redirect options cannot be combined")
	}
	return skip, nil
}

func (r *FilterRule) computeID() uint64 {
	buf := make([]byte, 0, 64+len(r.Redirect)+len(r.CSP))
	buf = append(buf, r.pattern.source()...)
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.mask&^maskBadfilter))
	for _, h := range r.domains.include {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}
	buf = append(buf, 0)
	for _, h := range r.domains.exclude {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}
	buf = append(buf, 0)
	buf = append(buf, r.Redirect...)
	buf = append(buf, 0)
	buf = append(buf, r.CSP...)
	return xxhash.Sum64(buf)
}

// matches reports whether every constraint of r accepts the request.
func (r *FilterRule) matches(t *requestTarget) bool {
	if types := r.mask & maskAllTypes; types != 0 && types&t.typeBit == 0 {
		return false
	}
	if r.mask&maskThirdParty != 0 && !t.thirdParty {
		return false
	}
	if r.mask&maskFirstParty != 0 && t.thirdParty {
		return false
	}
	if !r.domains.matches(t.initiator) {
		return false
	}
	return r.pattern.match(t)
}

// sortedHashes returns the distinct values of hs in ascending order.
func sortedHashes(hs []uint64) []uint64 {
	slices.Sort(hs)
	return slices.Compact(hs)
}
