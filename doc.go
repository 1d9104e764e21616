// Package adproxy provides a forward HTTP proxy that blocks advertising and
// tracking requests using Adblock Plus network filter lists, and caches the
// responses it lets through.
//
// # Architecture
//
// Every plain HTTP request passes through a [Pipeline]:
//
//	received -> classified -> blocked | allowed -> cache hit | miss -> fetched -> responded
//
// The classifier is a [CompiledIndex] built by [Compile] from filter lines.
// Rules are bucketed by a three byte token taken from their pattern, so a
// request only tests the rules whose token occurs in its URL. Precedence is
// important block, then exception, then redirect, then block, then CSP
// injection, then allow.
//
// Allowed requests are served through a [ResponseCache]: a byte-weighted LRU
// in which concurrent requests for the same key share one upstream fetch.
// The fetch is cancelled only when every waiter has gone away.
//
// CONNECT requests are classified on their host alone and then tunnelled
// unmodified. Blocked and redirected tunnels are refused with 403.
//
// # Basic Proxy
//
//	engine := adproxy.NewEngine(adproxy.DirSource{Path: "/etc/adproxy/filters"})
//	if err := engine.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline := &adproxy.Pipeline{
//	    Classifier: engine,
//	    Cache:      adproxy.NewResponseCache(adproxy.CacheConfig{Capacity: 10 << 20}),
//	    Resources:  adproxy.NewResourceStore(),
//	}
//
//	proxy := adproxy.NewProxy("localhost:8080", pipeline, &adproxy.HTTPFetcher{})
//	log.Fatal(proxy.ListenAndServe())
//
// # Classifying Without a Proxy
//
//	idx, err := adproxy.Compile([]string{
//	    "||ads.example^$third-party",
//	    "@@||ads.example/allowed/*",
//	})
//	if err != nil {
//	    var pe *adproxy.ParseError
//	    errors.As(err, &pe)
//	    log.Fatalf("line %d: %s", pe.Line, pe.Reason)
//	}
//
//	v, err := adproxy.Classify(idx, adproxy.RequestDescriptor{
//	    URL:             "https://ads.example/banner.js",
//	    InitiatorDomain: "news.example",
//	    ResourceType:    adproxy.ResourceScript,
//	})
//
// # Reloading
//
// An [Engine] swaps in a new index atomically. A failed load keeps the old
// one. Reloads can be periodic ([Engine.StartAutoReload]), triggered by
// SIGHUP ([WatchSIGHUP]) or requested through the [AdminAPI].
//
// # Observability
//
// Pipeline state transitions are delivered to an [EventSink]. [LogSink]
// logs them, [MetricsSink] turns them into Prometheus metrics, and
// [AsyncSink] moves either off the request path. [HealthChecker] serves
// /healthz and /readyz; readiness waits for the first filter load.
//
// # Configuration
//
// [LoadConfig] reads YAML through viper with ADPROXY_ environment
// overrides; byte sizes such as cache.capacity accept values like "10MB".
package adproxy
