package adproxy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultBypassHeader carries a bypass token from the client.
const DefaultBypassHeader = "X-Adproxy-Bypass"

// Bypass lets trusted clients skip filter classification. A request is
// bypassed when it carries a registered token in the bypass header or
// comes from a trusted network. Bypassed requests still go through the
// response cache.
//
// The bypass header is always removed before forwarding, whether or not
// the token was accepted, so tokens never reach an origin.
//
// Usage:
//
//	b := adproxy.NewBypass()
//	b.AddToken("debug-token-abc123")
//	proxy.Bypass = b
//
// Clients then set the header:
//
//	curl -H "X-Adproxy-Bypass: debug-token-abc123" -x http://proxy:8080 http://example.com
type Bypass struct {
	// Header names the token header. Empty means [DefaultBypassHeader].
	Header string

	// Logger records granted bypasses. Nil is silent.
	Logger *slog.Logger

	// Writers copy the current state under mu and publish a new snapshot;
	// ShouldBypass only loads the pointer.
	mu    sync.Mutex
	state atomic.Pointer[bypassState]
}

// bypassState is an immutable snapshot. Tokens are held as SHA-256
// digests so comparisons run over fixed-size values.
type bypassState struct {
	digests  [][sha256.Size]byte
	networks []netip.Prefix
}

// NewBypass returns a Bypass with the default header and nothing trusted.
func NewBypass() *Bypass {
	b := &Bypass{Header: DefaultBypassHeader}
	b.state.Store(&bypassState{})
	return b
}

func (b *Bypass) load() *bypassState {
	if s := b.state.Load(); s != nil {
		return s
	}
	return &bypassState{}
}

// update applies fn to a copy of the current state and publishes it.
func (b *Bypass) update(fn func(s *bypassState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.load()
	next := &bypassState{
		digests:  slices.Clone(cur.digests),
		networks: slices.Clone(cur.networks),
	}
	fn(next)
	b.state.Store(next)
}

// AddToken registers a token. Adding a registered token is a no-op.
func (b *Bypass) AddToken(token string) {
	d := sha256.Sum256([]byte(token))
	b.update(func(s *bypassState) {
		if !slices.Contains(s.digests, d) {
			s.digests = append(s.digests, d)
		}
	})
}

// RemoveToken revokes a token.
func (b *Bypass) RemoveToken(token string) {
	d := sha256.Sum256([]byte(token))
	b.update(func(s *bypassState) {
		s.digests = slices.DeleteFunc(s.digests, func(x [sha256.Size]byte) bool { return x == d })
	})
}

// TokenCount returns the number of registered tokens.
func (b *Bypass) TokenCount() int {
	return len(b.load().digests)
}

// GenerateToken registers and returns a random 256-bit token, hex encoded.
func (b *Bypass) GenerateToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate bypass token: %w", err)
	}
	token := hex.EncodeToString(buf[:])
	b.AddToken(token)
	return token, nil
}

// AddNetwork trusts every client address inside cidr.
func (b *Bypass) AddNetwork(cidr string) error {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("bypass network: %w", err)
	}
	p = p.Masked()
	b.update(func(s *bypassState) {
		if !slices.Contains(s.networks, p) {
			s.networks = append(s.networks, p)
		}
	})
	return nil
}

// ShouldBypass reports whether req skips classification. The token header
// is stripped from req in every case.
func (b *Bypass) ShouldBypass(req *http.Request) bool {
	header := b.Header
	if header == "" {
		header = DefaultBypassHeader
	}
	token := req.Header.Get(header)
	req.Header.Del(header)

	s := b.load()
	switch {
	case token != "" && s.hasToken(token):
		b.granted("token", req)
		return true
	case s.trusts(req.RemoteAddr):
		b.granted("network", req)
		return true
	}
	return false
}

func (b *Bypass) granted(method string, req *http.Request) {
	if b.Logger == nil {
		return
	}
	b.Logger.Info("bypass granted",
		"method", method,
		"host", req.Host,
		"path", req.URL.Path,
		"remote", req.RemoteAddr,
	)
}

// hasToken compares the candidate's digest against every registered one
// without stopping at the first match.
func (s *bypassState) hasToken(token string) bool {
	d := sha256.Sum256([]byte(token))
	found := 0
	for i := range s.digests {
		found |= subtle.ConstantTimeCompare(s.digests[i][:], d[:])
	}
	return found == 1
}

func (s *bypassState) trusts(remote string) bool {
	if len(s.networks) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return slices.ContainsFunc(s.networks, func(p netip.Prefix) bool { return p.Contains(addr) })
}
