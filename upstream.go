package adproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge is returned when an upstream body exceeds
// HTTPFetcher.MaxBodySize.
var ErrBodyTooLarge = errors.New("upstream body too large")

// HTTPFetcher performs upstream requests for the pipeline and turns the
// responses into cache entries.
type HTTPFetcher struct {
	// Transport for outbound requests (uses http.DefaultTransport if nil).
	Transport http.RoundTripper

	// MaxBodySize caps buffered response bodies. Zero means no limit.
	MaxBodySize int64

	// Timeout bounds a single fetch, headers and body. Zero means none.
	Timeout time.Duration
}

// Fetch implements Fetcher for requests without a body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req RequestDescriptor) (*CacheEntry, error) {
	return f.Do(ctx, req, nil)
}

// Do sends req upstream with the given body and buffers the response.
func (f *HTTPFetcher) Do(ctx context.Context, req RequestDescriptor, body io.Reader) (*CacheEntry, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header != nil {
		out.Header = req.Header.Clone()
	}
	removeHopByHopHeaders(out.Header)

	transport := f.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	resp, err := transport.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", out.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var r io.Reader = resp.Body
	if f.MaxBodySize > 0 {
		r = io.LimitReader(resp.Body, f.MaxBodySize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if f.MaxBodySize > 0 && int64(len(data)) > f.MaxBodySize {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, f.MaxBodySize, out.URL.Host)
	}
	h := resp.Header.Clone()
	removeHopByHopHeaders(h)
	h.Del("Content-Length")

	return &CacheEntry{
		Status:  resp.StatusCode,
		Header:  h,
		Body:    data,
		NoStore: noStore(out, resp),
	}, nil
}

// Statuses whose responses may be cached without explicit freshness.
var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// noStore reports whether a response must only be handed to its waiters.
func noStore(req *http.Request, resp *http.Response) bool {
	if !cacheableStatus[resp.StatusCode] {
		return true
	}
	if req.Header.Get("Authorization") != "" || len(resp.Header.Values("Set-Cookie")) > 0 {
		return true
	}
	if resp.Header.Get("Vary") == "*" {
		return true
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for d := range strings.SplitSeq(v, ",") {
			d, _, _ = strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(d) {
			case "no-store", "private":
				return true
			}
		}
	}
	return false
}

// UpstreamProxy is a parent proxy that every origin connection is routed
// through. Cache-miss fetches reach it via ProxyFunc on the pooled
// transport; accepted CONNECT tunnels are chained with DialConnect.
type UpstreamProxy struct {
	// URL is the parent proxy, e.g. http://proxy.corp:3128. Scheme https
	// means the hop to the parent itself is TLS.
	URL *url.URL

	// Auth is sent as Proxy-Authorization when set.
	Auth *UpstreamAuth

	// TLSConfig is used for https parents. ServerName defaults to the
	// parent's host.
	TLSConfig *tls.Config

	// DialTimeout bounds connecting to the parent (default 10s).
	DialTimeout time.Duration
}

// UpstreamAuth holds basic auth credentials for a parent proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy parses a parent proxy URL. Credentials in the URL's
// userinfo become Auth.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}

	up := &UpstreamProxy{URL: u, DialTimeout: 10 * time.Second}
	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{Username: u.User.Username(), Password: pass}
	}
	return up, nil
}

// ProxyFunc returns a function for http.Transport.Proxy. The transport
// turns the URL's userinfo into Proxy-Authorization.
func (up *UpstreamProxy) ProxyFunc() func(*http.Request) (*url.URL, error) {
	u := *up.URL
	if up.Auth != nil {
		u.User = url.UserPassword(up.Auth.Username, up.Auth.Password)
	}
	return http.ProxyURL(&u)
}

// address is the parent's host:port, defaulting the port by scheme.
func (up *UpstreamProxy) address() string {
	host := up.URL.Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if up.URL.Scheme == "https" {
		return net.JoinHostPort(up.URL.Hostname(), "443")
	}
	return net.JoinHostPort(up.URL.Hostname(), "3128")
}

// DialConnect opens a tunnel to addr through the parent with a CONNECT
// request and returns the connection once the parent answers 200.
func (up *UpstreamProxy) DialConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := up.dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}
	tunnel, err := up.handshake(conn, addr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunnel, nil
}

func (up *UpstreamProxy) dial(ctx context.Context, network string) (net.Conn, error) {
	d := &net.Dialer{Timeout: durationOr(up.DialTimeout, 10*time.Second)}
	host := up.address()
	if up.URL.Scheme != "https" {
		return d.DialContext(ctx, network, host)
	}

	cfg := &tls.Config{}
	if up.TLSConfig != nil {
		cfg = up.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _, _ = net.SplitHostPort(host)
	}
	return (&tls.Dialer{NetDialer: d, Config: cfg}).DialContext(ctx, network, host)
}

// handshake writes the CONNECT request and reads the parent's answer.
// Bytes the parent sent after its response headers stay readable on the
// returned conn.
func (up *UpstreamProxy) handshake(conn net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if up.Auth != nil {
		req.Header.Set("Proxy-Authorization", basicAuth(up.Auth.Username, up.Auth.Password))
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream CONNECT to %s returned %d", addr, resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// bufferedConn serves bytes read ahead during the handshake before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
