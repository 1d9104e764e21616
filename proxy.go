package adproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Proxy is a forward HTTP proxy that runs every plain HTTP request through
// a Pipeline and tunnels CONNECT requests after classifying their host.
type Proxy struct {
	// Addr is the address to listen on (e.g., "localhost:8080")
	Addr string

	// Pipeline classifies, caches and fetches plain HTTP requests.
	Pipeline *Pipeline

	// Fetcher performs upstream requests for the pipeline.
	Fetcher *HTTPFetcher

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics and serves /metrics (optional)
	Metrics *Metrics

	// PACHandler serves PAC files at /proxy.pac (optional)
	PACHandler *PACGenerator

	// HealthChecker provides /healthz and /readyz endpoints (optional)
	HealthChecker *HealthChecker

	// AccessLog writes structured access log entries for each request (optional)
	AccessLog *AccessLogger

	// UpstreamProxy chains CONNECT tunnels through a parent proxy
	// (optional). Fetches reach it through the fetcher's transport.
	UpstreamProxy *UpstreamProxy

	// RateLimiter provides per-client request throttling (optional).
	// When set, requests exceeding the rate limit receive 429 responses.
	RateLimiter *RateLimiter

	// Admin serves the management API under its PathPrefix (optional).
	Admin *AdminAPI

	// Bypass lets trusted clients skip classification (optional).
	Bypass *Bypass

	// Compressor encodes responses for clients that accept it (optional).
	Compressor *Compressor

	// BodyLimit caps forwarded request bodies (optional).
	BodyLimit *BodyLimiter

	// DialTimeout bounds connecting CONNECT tunnels (default 10s).
	DialTimeout time.Duration

	srv *http.Server
	mu  sync.Mutex
}

// NewProxy creates a proxy for the given pipeline that fetches through f.
func NewProxy(addr string, p *Pipeline, f *HTTPFetcher) *Proxy {
	if f == nil {
		f = &HTTPFetcher{}
	}
	return &Proxy{
		Addr:     addr,
		Pipeline: p,
		Fetcher:  f,
		Logger:   slog.Default(),
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts proxy connections on l.
func (p *Proxy) Serve(l net.Listener) error {
	p.mu.Lock()
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	srv := p.srv
	p.mu.Unlock()

	p.logger().Info("proxy listening", "addr", l.Addr().String())
	return srv.Serve(l)
}

// Shutdown gracefully stops the proxy. Hijacked tunnels are not waited for.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests. Requests in origin form are
// addressed to the proxy itself and go to the internal endpoints.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect && !r.URL.IsAbs() {
		p.serveInternal(w, r)
		return
	}

	if p.RateLimiter != nil {
		if !p.RateLimiter.AllowHTTP(w, r) {
			if p.Metrics != nil {
				p.Metrics.RecordRateLimited()
			}
			return
		}
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

func (p *Proxy) serveInternal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.PACHandler != nil && r.URL.Path == "/proxy.pac":
		p.PACHandler.ServeHTTP(w, r)
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	case p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix):
		p.Admin.ServeHTTP(w, r)
	default:
		http.Error(w, "this is a proxy; send absolute-form requests", http.StatusBadRequest)
	}
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, r.URL.Scheme)
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}

	id := uuid.NewString()
	ctx := WithRequestID(r.Context(), id)
	if p.Bypass != nil && p.Bypass.ShouldBypass(r) {
		ctx = WithBypass(ctx)
	}

	if p.BodyLimit != nil {
		if err := p.BodyLimit.Check(r); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
	}

	desc := DescriptorFromRequest(r)
	p.logger().Debug("HTTP", "method", r.Method, "url", desc.URL, "type", desc.ResourceType.String())

	var fetch Fetcher = p.Fetcher
	if hasBody(r) {
		fetch = FetcherFunc(func(ctx context.Context, req RequestDescriptor) (*CacheEntry, error) {
			return p.Fetcher.Do(ctx, req, r.Body)
		})
	}

	pipeline := p.Pipeline
	if pipeline == nil {
		pipeline = &Pipeline{}
	}
	resp, err := pipeline.Handle(ctx, desc, fetch)
	if err != nil {
		p.logger().Debug("client gone before response", "request_id", id, "url", desc.URL, "error", err)
		return
	}

	if resp.Err != nil && errors.Is(resp.Err, ErrRequestBodyTooLarge) {
		resp.Status = http.StatusRequestEntityTooLarge
	}

	body := resp.Body
	if p.Compressor != nil && r.Method != http.MethodHead {
		out, enc, cerr := p.Compressor.EncodeResponse(body, resp.Header, r.Header.Get("Accept-Encoding"))
		if cerr != nil {
			p.logger().Warn("compress response", "request_id", id, "error", cerr)
		}
		if enc != "" {
			body = out
			resp.Header.Set("Content-Encoding", enc)
			resp.Header.Add("Vary", "Accept-Encoding")
		}
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.Status)

	var written int
	if r.Method != http.MethodHead {
		written, err = w.Write(body)
		if err != nil {
			p.logger().Debug("write response", "request_id", id, "error", err)
		}
	}

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.Status, time.Since(start))
	}
	if p.AccessLog != nil {
		e := AccessLogEntry{
			Timestamp:    time.Now(),
			RequestID:    id,
			Method:       r.Method,
			Host:         r.URL.Host,
			Path:         r.URL.Path,
			Scheme:       r.URL.Scheme,
			ResourceType: desc.ResourceType,
			Verdict:      resp.Verdict.Action,
			StatusCode:   resp.Status,
			Duration:     time.Since(start),
			BytesWritten: int64(written),
			ClientAddr:   r.RemoteAddr,
			UserAgent:    r.UserAgent(),
		}
		if resp.Verdict.Rule != nil {
			e.Rule = resp.Verdict.Rule.Text
		}
		if resp.Verdict.Action != ActionBlock && resp.Verdict.Action != ActionRedirect {
			e.Cache = resp.Lookup.String()
		}
		if resp.Err != nil {
			e.Error = resp.Err.Error()
		}
		p.AccessLog.Log(e)
	}
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// handleConnect classifies the tunnel's host and, if allowed, splices the
// client connection to the target. Redirects cannot be honored inside an
// opaque tunnel and refuse it like blocks.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "https")
	}

	host := r.Host
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	} else {
		host = net.JoinHostPort(host, "443")
	}

	verdict := p.classifyTunnel(r, hostname)
	logEntry := AccessLogEntry{
		Method:       r.Method,
		Host:         host,
		Scheme:       "https",
		ResourceType: ResourceOther,
		Verdict:      verdict.Action,
		ClientAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	if verdict.Rule != nil {
		logEntry.Rule = verdict.Rule.Text
	}
	defer func() {
		if p.AccessLog != nil {
			logEntry.Timestamp = time.Now()
			logEntry.Duration = time.Since(start)
			p.AccessLog.Log(logEntry)
		}
	}()

	if verdict.Action == ActionBlock || verdict.Action == ActionRedirect {
		p.logger().Info("tunnel blocked", "host", hostname, "reason", verdict.Reason())
		logEntry.StatusCode = http.StatusForbidden
		http.Error(w, "blocked", http.StatusForbidden)
		return
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), p.dialTimeout())
	target, err := p.dialTunnel(dialCtx, host)
	cancel()
	if err != nil {
		p.logger().Warn("dial tunnel target", "host", host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(hostname)
		}
		logEntry.StatusCode = http.StatusBadGateway
		logEntry.Error = err.Error()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = target.Close()
		logEntry.StatusCode = http.StatusInternalServerError
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		_ = target.Close()
		p.logger().Error("hijack failed", "error", err)
		logEntry.StatusCode = http.StatusServiceUnavailable
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger().Debug("write connect response", "error", err)
		_ = clientConn.Close()
		_ = target.Close()
		return
	}
	logEntry.StatusCode = http.StatusOK

	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}

	var client io.Reader = clientConn
	if n := rw.Reader.Buffered(); n > 0 {
		buffered, _ := rw.Reader.Peek(n)
		client = io.MultiReader(bytes.NewReader(buffered), clientConn)
	}
	logEntry.BytesWritten = splice(clientConn, client, target)
}

// classifyTunnel classifies https://host/ for a CONNECT request, failing
// open.
func (p *Proxy) classifyTunnel(r *http.Request, hostname string) Verdict {
	if p.Pipeline == nil || p.Pipeline.Classifier == nil {
		return Verdict{Action: ActionAllow}
	}
	if p.Bypass != nil && p.Bypass.ShouldBypass(r) {
		return Verdict{Action: ActionAllow}
	}
	v, err := p.Pipeline.Classifier.Classify(RequestDescriptor{
		URL:          "https://" + hostname + "/",
		Method:       http.MethodConnect,
		ResourceType: ResourceOther,
	})
	if err != nil {
		p.logger().Warn("classify tunnel, allowing", "host", hostname, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordClassifyError()
		}
		return Verdict{Action: ActionAllow}
	}
	if p.Metrics != nil {
		p.Metrics.RecordVerdict(v.Action)
	}
	return v
}

func (p *Proxy) dialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	if p.UpstreamProxy != nil {
		return p.UpstreamProxy.DialConnect(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (p *Proxy) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return 10 * time.Second
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// splice copies both directions until either side closes and returns the
// bytes sent to the client.
func splice(clientConn net.Conn, client io.Reader, target net.Conn) int64 {
	var toClient int64
	done := make(chan struct{})
	go func() {
		toClient, _ = io.Copy(clientConn, target)
		closeWrite(clientConn)
		close(done)
	}()
	_, _ = io.Copy(target, client)
	closeWrite(target)
	<-done
	_ = clientConn.Close()
	_ = target.Close()
	return toClient
}

func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// DescriptorFromRequest describes an absolute-form proxy request for the
// classifier. Top-level documents have no initiator; everything else is
// attributed to the Origin or Referer host.
func DescriptorFromRequest(r *http.Request) RequestDescriptor {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	u.Fragment = ""

	d := RequestDescriptor{
		URL:          u.String(),
		Method:       r.Method,
		ResourceType: inferResourceType(r),
		Header:       r.Header,
	}
	if d.ResourceType != ResourceDocument {
		d.InitiatorDomain = initiatorOf(r)
	}
	return d
}

func initiatorOf(r *http.Request) string {
	for _, h := range []string{"Origin", "Referer"} {
		v := r.Header.Get(h)
		if v == "" || v == "null" {
			continue
		}
		if host := hostOf(v); host != "" {
			return host
		}
	}
	return ""
}

var fetchDestTypes = map[string]ResourceType{
	"document":      ResourceDocument,
	"iframe":        ResourceSubdocument,
	"frame":         ResourceSubdocument,
	"script":        ResourceScript,
	"worker":        ResourceScript,
	"sharedworker":  ResourceScript,
	"serviceworker": ResourceScript,
	"image":         ResourceImage,
	"style":         ResourceStylesheet,
	"font":          ResourceFont,
	"audio":         ResourceMedia,
	"video":         ResourceMedia,
	"track":         ResourceMedia,
	"object":        ResourceObject,
	"embed":         ResourceObject,
}

var extensionTypes = map[string]ResourceType{
	".js":    ResourceScript,
	".mjs":   ResourceScript,
	".css":   ResourceStylesheet,
	".png":   ResourceImage,
	".jpg":   ResourceImage,
	".jpeg":  ResourceImage,
	".gif":   ResourceImage,
	".webp":  ResourceImage,
	".avif":  ResourceImage,
	".svg":   ResourceImage,
	".ico":   ResourceImage,
	".woff":  ResourceFont,
	".woff2": ResourceFont,
	".ttf":   ResourceFont,
	".otf":   ResourceFont,
	".eot":   ResourceFont,
	".mp3":   ResourceMedia,
	".mp4":   ResourceMedia,
	".webm":  ResourceMedia,
	".ogg":   ResourceMedia,
	".m3u8":  ResourceMedia,
	".swf":   ResourceObject,
	".html":  ResourceDocument,
	".htm":   ResourceDocument,
}

// inferResourceType guesses the resource type from Fetch Metadata, then
// legacy request headers, then the path extension.
func inferResourceType(r *http.Request) ResourceType {
	dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
	if t, ok := fetchDestTypes[dest]; ok {
		return t
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return ResourceWebSocket
	}
	if r.Header.Get("Ping-To") != "" || strings.HasPrefix(r.Header.Get("Content-Type"), "text/ping") {
		return ResourcePing
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return ResourceXHR
	}

	accept := r.Header.Get("Accept")
	switch {
	case strings.HasPrefix(accept, "text/html"):
		return ResourceDocument
	case strings.HasPrefix(accept, "text/css"):
		return ResourceStylesheet
	case strings.HasPrefix(accept, "image/"):
		return ResourceImage
	}

	if t, ok := extensionTypes[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return t
	}
	if dest == "empty" {
		return ResourceXHR
	}
	return ResourceOther
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes the standard hop-by-hop headers and any
// named in Connection.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
