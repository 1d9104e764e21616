package adproxy

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/publicsuffix"
)

// domainConstraints holds the hashed domain= sets of a rule, each sorted
// for binary search.
type domainConstraints struct {
	include []uint64
	exclude []uint64
}

// parseDomainOption parses "a.com|~b.a.com". entity reports whether any
// entry uses the "name.*" form, which the proxy does not support.
func parseDomainOption(value string) (d domainConstraints, entity bool, err error) {
	for entry := range strings.SplitSeq(value, "|") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		negated := strings.HasPrefix(entry, "~")
		entry = strings.TrimPrefix(entry, "~")
		if entry == "" {
			return domainConstraints{}, false, fmt.Errorf("empty domain in %q", value)
		}
		if strings.HasSuffix(entry, ".*") {
			entity = true
			continue
		}
		h := hashDomain(entry)
		if negated {
			d.exclude = append(d.exclude, h)
		} else {
			d.include = append(d.include, h)
		}
	}
	d.include = sortedHashes(d.include)
	d.exclude = sortedHashes(d.exclude)
	return d, entity, nil
}

func (d *domainConstraints) empty() bool {
	return len(d.include) == 0 && len(d.exclude) == 0
}

// matches walks the initiator's domain hashes from most to least specific.
// The first entry found in either set decides; with no hit the rule only
// applies when it lists no included domains.
func (d *domainConstraints) matches(initiator []uint64) bool {
	if d.empty() {
		return true
	}
	for _, h := range initiator {
		if _, ok := slices.BinarySearch(d.exclude, h); ok {
			return false
		}
		if _, ok := slices.BinarySearch(d.include, h); ok {
			return true
		}
	}
	return len(d.include) == 0
}

func hashDomain(d string) uint64 {
	return xxhash.Sum64String(d)
}

// domainHashes hashes host and each of its parent domains, most specific
// first: a.b.com, b.com, com.
func domainHashes(host string) []uint64 {
	if host == "" {
		return nil
	}
	hs := make([]uint64, 0, strings.Count(host, ".")+1)
	for {
		hs = append(hs, hashDomain(host))
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return hs
		}
		host = host[i+1:]
	}
}

// normalizeHost lower-cases host and strips a port, brackets and a
// trailing dot.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// registrableDomain returns the eTLD+1 of host, or host itself for IP
// addresses and names the public suffix list cannot split.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// isThirdParty reports whether a request to host made by initiator
// crosses registrable domains. Requests without an initiator are
// first-party.
func isThirdParty(host, initiator string) bool {
	if initiator == "" {
		return false
	}
	return registrableDomain(host) != registrableDomain(initiator)
}
