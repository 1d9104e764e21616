package adproxy

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// CacheKey builds the cache fingerprint of a request: the upper-cased
// method, the normalized URL without its fragment, and the values of the
// vary headers in sorted name order. Query parameter order is kept.
func CacheKey(method, rawURL string, header http.Header, vary []string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("cache key: url %q is not absolute", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}

	if len(vary) > 0 {
		names := make([]string, len(vary))
		for i, name := range vary {
			names[i] = http.CanonicalHeaderKey(name)
		}
		slices.Sort(names)
		for _, name := range slices.Compact(names) {
			b.WriteByte('\n')
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(strings.Join(header.Values(name), ", "))
		}
	}
	return b.String(), nil
}

// cacheableMethod reports whether responses to method may be shared
// between clients.
func cacheableMethod(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}
