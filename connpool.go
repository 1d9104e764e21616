package adproxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// TransportPool owns the upstream connections used by HTTPFetcher. Every
// fetch the cache lets through, including the single shared fetch behind
// a group of coalesced waiters, goes through one pooled [http.Transport].
//
// The transport never decodes bodies, so a cached entry holds exactly the
// bytes and Content-Encoding the origin sent and can be replayed to any
// client that asked for the same representation.
type TransportPool struct {
	// MaxIdleConns caps idle connections across all origins (default 200).
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per origin (default 10).
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps all connections per origin. Zero is unlimited.
	MaxConnsPerHost int

	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for origin headers once the
	// request is written. Body transfer is bounded by HTTPFetcher.Timeout.
	ResponseHeaderTimeout time.Duration

	// MaxResponseHeaderBytes limits origin response headers, which are
	// stored with the body and count toward the entry's cache weight.
	MaxResponseHeaderBytes int64

	// EnableHTTP2 offers h2 over ALPN to TLS origins.
	EnableHTTP2 bool

	// TLSConfig is cloned for origin connections. Nil uses the defaults.
	TLSConfig *tls.Config

	// Proxy selects a parent proxy per request, usually
	// UpstreamProxy.ProxyFunc. Nil connects directly.
	Proxy func(*http.Request) (*url.URL, error)

	transport atomic.Pointer[http.Transport]

	total        atomic.Int64
	active       atomic.Int64
	failures     atomic.Int64
	serverErrors atomic.Int64
	rebuilds     atomic.Int64
}

// NewTransportPool returns a pool with defaults sized for a shared proxy.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:           200,
		MaxIdleConnsPerHost:    10,
		IdleConnTimeout:        90 * time.Second,
		DialTimeout:            30 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  60 * time.Second,
		MaxResponseHeaderBytes: 64 << 10,
		EnableHTTP2:            true,
	}
}

// Build creates a transport from the current fields and makes it the one
// used by Transport. A previous transport has its idle connections closed;
// requests already in flight on it finish normally.
func (tp *TransportPool) Build() *http.Transport {
	t := tp.newTransport()
	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
		tp.rebuilds.Add(1)
	}
	return t
}

func (tp *TransportPool) newTransport() *http.Transport {
	tlsCfg := &tls.Config{}
	if tp.TLSConfig != nil {
		tlsCfg = tp.TLSConfig.Clone()
	}
	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialer := &net.Dialer{
		Timeout:   durationOr(tp.DialTimeout, 30*time.Second),
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                  tp.Proxy,
		DialContext:            dialer.DialContext,
		TLSClientConfig:        tlsCfg,
		TLSHandshakeTimeout:    tp.TLSHandshakeTimeout,
		MaxIdleConns:           tp.MaxIdleConns,
		MaxIdleConnsPerHost:    tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:        tp.MaxConnsPerHost,
		IdleConnTimeout:        tp.IdleConnTimeout,
		ResponseHeaderTimeout:  tp.ResponseHeaderTimeout,
		MaxResponseHeaderBytes: tp.MaxResponseHeaderBytes,
		ForceAttemptHTTP2:      tp.EnableHTTP2,
		DisableCompression:     true,
	}
}

// durationOr returns d, or def when d is zero.
func durationOr(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Transport returns a round tripper over the pool. The underlying
// transport is built on first use and picked up again after every Build.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return poolRoundTripper{tp}
}

// CloseIdleConnections closes idle origin connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// TransportPoolStats is a snapshot of upstream traffic through the pool.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`

	// Failures counts round trips that produced no response.
	Failures int64 `json:"failures"`

	// ServerErrors counts 5xx origin responses.
	ServerErrors int64 `json:"server_errors"`

	Rebuilds int64 `json:"rebuilds"`
}

// Stats returns a snapshot of the pool counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.total.Load(),
		ActiveRequests: tp.active.Load(),
		Failures:       tp.failures.Load(),
		ServerErrors:   tp.serverErrors.Load(),
		Rebuilds:       tp.rebuilds.Load(),
	}
}

type poolRoundTripper struct {
	pool *TransportPool
}

func (rt poolRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tp := rt.pool
	tp.total.Add(1)
	tp.active.Add(1)
	defer tp.active.Add(-1)

	t := tp.transport.Load()
	if t == nil {
		t = tp.Build()
	}

	resp, err := t.RoundTrip(req)
	switch {
	case err != nil:
		tp.failures.Add(1)
	case resp.StatusCode >= http.StatusInternalServerError:
		tp.serverErrors.Add(1)
	}
	return resp, err
}
