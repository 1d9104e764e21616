package adproxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for managing the proxy at runtime:
// filter status and reloads, ad hoc classification, and cache
// inspection and invalidation.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Engine holds the active filter index.
	Engine *Engine

	// Cache is the proxy's response cache (optional).
	Cache *ResponseCache

	// VaryHeaders must match the pipeline's so invalidation computes the
	// same keys.
	VaryHeaders []string

	// Pool reports upstream transport statistics (optional).
	Pool *TransportPool

	// Compressor compresses API responses (optional).
	Compressor *Compressor

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /api/reload is invoked. It defaults
	// to reloading Engine from its source.
	ReloadFunc func(ctx context.Context) error

	startTime time.Time
	router    chi.Router
}

// NewAdminAPI creates an AdminAPI for the given engine and cache.
func NewAdminAPI(engine *Engine, cache *ResponseCache) *AdminAPI {
	a := &AdminAPI{
		Engine:     engine,
		Cache:      cache,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		startTime:  time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/rules", a.handleListRules)
	r.Post("/classify", a.handleClassify)
	r.Get("/cache", a.handleCacheStats)
	r.Delete("/cache", a.handleInvalidate)
	r.Post("/cache/purge", a.handlePurge)
	r.Post("/reload", a.handleReload)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	h := http.StripPrefix(a.PathPrefix, a.router)
	if a.Compressor != nil {
		h = a.Compressor.Middleware(h)
	}
	return h
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status    string              `json:"status"`
	Uptime    string              `json:"uptime"`
	RuleCount int                 `json:"rule_count"`
	LoadedAt  *time.Time          `json:"loaded_at,omitempty"`
	Filter    CompileStats        `json:"filter"`
	Cache     *CacheStats         `json:"cache,omitempty"`
	Transport *TransportPoolStats `json:"transport,omitempty"`
}

// RuleInfo describes one compiled rule.
type RuleInfo struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Exception bool   `json:"exception,omitempty"`
	Important bool   `json:"important,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	CSP       string `json:"csp,omitempty"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Total int        `json:"total"`
	Rules []RuleInfo `json:"rules"`
}

// ClassifyRequest is the body for POST /api/classify.
type ClassifyRequest struct {
	URL       string `json:"url"`
	Initiator string `json:"initiator,omitempty"`
	Type      string `json:"type,omitempty"`
	Method    string `json:"method,omitempty"`
}

// ClassifyResponse is returned by POST /api/classify.
type ClassifyResponse struct {
	Action   string `json:"action"`
	Resource string `json:"resource,omitempty"`
	CSP      string `json:"csp,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status: "ok",
		Uptime: time.Since(a.startTime).Truncate(time.Second).String(),
	}
	if a.Engine != nil {
		idx := a.Engine.Index()
		resp.RuleCount = idx.Len()
		resp.Filter = idx.Stats()
		if !a.Engine.Ready() {
			resp.Status = "no rules loaded"
		} else {
			t := a.Engine.LoadedAt()
			resp.LoadedAt = &t
		}
	}
	if a.Cache != nil {
		s := a.Cache.Stats()
		resp.Cache = &s
	}
	if a.Pool != nil {
		s := a.Pool.Stats()
		resp.Transport = &s
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, r *http.Request) {
	var rules []FilterRule
	if a.Engine != nil {
		rules = a.Engine.Index().Rules()
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	offset = min(max(offset, 0), len(rules))
	end := min(offset+limit, len(rules))

	resp := RulesResponse{Total: len(rules), Rules: make([]RuleInfo, 0, end-offset)}
	for _, rule := range rules[offset:end] {
		resp.Rules = append(resp.Rules, RuleInfo{
			ID:        strconv.FormatUint(rule.ID, 16),
			Text:      rule.Text,
			Exception: rule.IsException(),
			Important: rule.IsImportant(),
			Redirect:  rule.Redirect,
			CSP:       rule.CSP,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	typ := ResourceOther
	if req.Type != "" {
		var ok bool
		if typ, ok = ParseResourceType(req.Type); !ok {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown resource type: " + req.Type})
			return
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if a.Engine == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrNoIndex.Error()})
		return
	}
	v, err := a.Engine.Classify(RequestDescriptor{
		URL:             req.URL,
		InitiatorDomain: req.Initiator,
		Method:          method,
		ResourceType:    typ,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNoIndex) {
			status = http.StatusServiceUnavailable
		}
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	resp := ClassifyResponse{Action: v.Action.String(), Resource: v.Resource, CSP: v.CSP}
	if v.Rule != nil {
		resp.Rule = v.Rule.Text
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if a.Cache == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "cache not configured"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Cache.Stats())
}

// handleInvalidate drops the entry for ?url= (and optional ?method=). The
// key is computed without request headers, so it only matches entries
// stored for requests without the vary headers.
func (a *AdminAPI) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if a.Cache == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "cache not configured"})
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	key, err := CacheKey(r.URL.Query().Get("method"), rawURL, nil, a.VaryHeaders)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if !a.Cache.Invalidate(key) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "entry not found"})
		return
	}

	a.logger().Info("cache entry invalidated via admin API", "url", rawURL)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "entry invalidated"})
}

func (a *AdminAPI) handlePurge(w http.ResponseWriter, _ *http.Request) {
	if a.Cache == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "cache not configured"})
		return
	}
	a.Cache.Purge()
	a.logger().Info("cache purged via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "cache purged"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	reload := a.ReloadFunc
	if reload == nil && a.Engine != nil {
		reload = a.Engine.Load
	}
	if reload == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := reload(r.Context()); err != nil {
		a.logger().Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.logger().Info("filter reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger().Error("admin API write error", "error", err)
	}
}
