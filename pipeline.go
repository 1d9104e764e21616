package adproxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Fetcher retrieves a request from upstream.
type Fetcher interface {
	Fetch(ctx context.Context, req RequestDescriptor) (*CacheEntry, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req RequestDescriptor) (*CacheEntry, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req RequestDescriptor) (*CacheEntry, error) {
	return f(ctx, req)
}

// Response is what the pipeline produced for one request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	RequestID string
	Verdict   Verdict
	Lookup    CacheLookup

	// Err is the upstream failure behind a 502 response.
	Err error
}

// Pipeline runs a request through classification, the response cache and
// the upstream fetch. A zero Pipeline allows everything and caches
// nothing.
type Pipeline struct {
	// Classifier decides what happens to each request. Nil allows all.
	Classifier Classifier

	// Cache holds upstream responses. Nil disables caching.
	Cache *ResponseCache

	// Resources resolves redirect verdicts. Unknown names are blocked.
	Resources *ResourceStore

	// Events receives every state transition. It should not block; wrap
	// slow sinks in an AsyncSink.
	Events EventSink

	// BlockStatus is the status of blocked responses (default 403).
	BlockStatus int

	// BlockPage, if set, renders an HTML body for blocked documents.
	BlockPage *BlockPage

	// VaryHeaders are request headers that take part in the cache key.
	VaryHeaders []string

	Logger *slog.Logger
}

type contextKey int

const (
	requestIDKey contextKey = iota
	bypassKey
)

// WithRequestID attaches a request ID used in pipeline events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the ID set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithBypass marks the request as exempt from classification.
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey, true)
}

func bypassed(ctx context.Context) bool {
	b, _ := ctx.Value(bypassKey).(bool)
	return b
}

// Handle runs req through the pipeline. Blocked and redirected requests
// never reach fetch. Upstream failures become 502 responses; the error
// return is only set when ctx ends before a response is ready.
func (p *Pipeline) Handle(ctx context.Context, req RequestDescriptor, fetch Fetcher) (*Response, error) {
	start := time.Now()
	id := RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	p.emit(Event{State: StateReceived, RequestID: id, URL: req.URL})

	verdict := p.classify(ctx, id, req)

	var resp *Response
	switch verdict.Action {
	case ActionBlock, ActionRedirect:
		resp = p.blocked(req, verdict)
		p.emit(Event{State: StateBlocked, RequestID: id, URL: req.URL, Verdict: resp.Verdict})
	default:
		p.emit(Event{State: StateAllowed, RequestID: id, URL: req.URL, Verdict: verdict})
		var err error
		resp, err = p.allowed(ctx, id, req, verdict, fetch)
		if err != nil {
			return nil, err
		}
	}

	resp.RequestID = id
	p.emit(Event{
		State:     StateResponded,
		RequestID: id,
		URL:       req.URL,
		Verdict:   resp.Verdict,
		Lookup:    resp.Lookup,
		Status:    resp.Status,
		Bytes:     len(resp.Body),
		Elapsed:   time.Since(start),
		Err:       resp.Err,
	})
	return resp, nil
}

// classify applies the classifier, failing open on errors.
func (p *Pipeline) classify(ctx context.Context, id string, req RequestDescriptor) Verdict {
	if p.Classifier == nil || bypassed(ctx) {
		v := Verdict{Action: ActionAllow}
		p.emit(Event{State: StateClassified, RequestID: id, URL: req.URL, Verdict: v})
		return v
	}
	v, err := p.Classifier.Classify(req)
	if err != nil {
		p.logger().Warn("classification failed, allowing request", "request_id", id, "url", req.URL, "error", err)
		v = Verdict{Action: ActionAllow}
	}
	p.emit(Event{State: StateClassified, RequestID: id, URL: req.URL, Verdict: v, Err: err})
	return v
}

// blocked builds the response for Block and Redirect verdicts. A redirect
// to an unknown resource is served as a block.
func (p *Pipeline) blocked(req RequestDescriptor, v Verdict) *Response {
	if v.Action == ActionRedirect {
		if res, ok := p.resource(v.Resource); ok {
			h := make(http.Header)
			h.Set("Content-Type", res.ContentType)
			h.Set("Content-Length", strconv.Itoa(len(res.Body)))
			h.Set("Cache-Control", "no-store")
			return &Response{Status: http.StatusOK, Header: h, Body: res.Body, Verdict: v, Lookup: CacheBypass}
		}
		p.logger().Warn("unknown redirect resource, blocking instead", "resource", v.Resource, "url", req.URL)
		v = Verdict{Action: ActionBlock, Rule: v.Rule}
	}

	status := p.BlockStatus
	if status == 0 {
		status = http.StatusForbidden
	}
	h := make(http.Header)
	h.Set("Cache-Control", "no-store")
	resp := &Response{Status: status, Header: h, Verdict: v, Lookup: CacheBypass}

	if req.ResourceType == ResourceDocument && p.BlockPage != nil {
		body, err := p.BlockPage.Render(blockPageDataFor(req, v))
		if err != nil {
			p.logger().Error("render block page", "error", err)
		} else {
			h.Set("Content-Type", "text/html; charset=utf-8")
			resp.Body = body
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	return resp
}

func (p *Pipeline) resource(name string) (*Resource, bool) {
	if p.Resources == nil {
		return nil, false
	}
	return p.Resources.Get(name)
}

// allowed serves the request from the cache or upstream and applies any
// CSP policies from the verdict.
func (p *Pipeline) allowed(ctx context.Context, id string, req RequestDescriptor, v Verdict, fetch Fetcher) (*Response, error) {
	fetchFn := func(ctx context.Context) (*CacheEntry, error) {
		start := time.Now()
		e, err := fetch.Fetch(ctx, req)
		ev := Event{State: StateFetched, RequestID: id, URL: req.URL, Elapsed: time.Since(start), Err: err}
		if e != nil {
			ev.Status = e.Status
			ev.Bytes = len(e.Body)
		}
		p.emit(ev)
		return e, err
	}

	entry, lookup, err := p.lookup(ctx, req, fetchFn)
	state := StateCacheMiss
	if lookup == CacheHit {
		state = StateCacheHit
	}
	p.emit(Event{State: state, RequestID: id, URL: req.URL, Lookup: lookup})

	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) && ctx.Err() != nil {
			return nil, err
		}
		p.logger().Warn("upstream fetch failed", "request_id", id, "url", req.URL, "error", err)
		h := make(http.Header)
		h.Set("Content-Length", "0")
		return &Response{Status: http.StatusBadGateway, Header: h, Verdict: v, Lookup: lookup, Err: err}, nil
	}

	h := entry.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if v.Action == ActionInjectCSP && v.CSP != "" {
		h.Add("Content-Security-Policy", v.CSP)
	}
	return &Response{Status: entry.Status, Header: h, Body: entry.Body, Verdict: v, Lookup: lookup}, nil
}

// lookup goes through the cache for cacheable requests and straight to
// upstream for everything else, including requests whose key cannot be
// computed.
func (p *Pipeline) lookup(ctx context.Context, req RequestDescriptor, fetch FetchFunc) (*CacheEntry, CacheLookup, error) {
	if p.Cache == nil || !cacheableMethod(req.Method) {
		e, err := runFetch(ctx, req.URL, fetch)
		return e, CacheBypass, err
	}
	key, err := CacheKey(req.Method, req.URL, req.Header, p.VaryHeaders)
	if err != nil {
		p.logger().Debug("cache key unavailable, fetching directly", "url", req.URL, "error", err)
		e, err := runFetch(ctx, req.URL, fetch)
		return e, CacheBypass, err
	}
	return p.Cache.GetOrFetch(ctx, key, fetch)
}

func (p *Pipeline) emit(e Event) {
	if p.Events == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.Events.Emit(e)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
