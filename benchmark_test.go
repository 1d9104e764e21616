package adproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// =============================================================================
// Filter Benchmarks
// =============================================================================

// syntheticList returns n host rules plus a proportion of path, regexp and
// exception rules, roughly the mix of a public list.
func syntheticList(n int) []string {
	lines := make([]string, 0, n)
	for i := range n {
		switch i % 10 {
		case 0:
			lines = append(lines, fmt.Sprintf("/banner%d/*/ad^$image", i))
		case 1:
			lines = append(lines, fmt.Sprintf("@@||cdn%d.example^$script", i))
		case 2:
			lines = append(lines, fmt.Sprintf("/track%d\\.js/", i))
		case 3:
			lines = append(lines, fmt.Sprintf("||ads%d.example^$third-party", i))
		default:
			lines = append(lines, fmt.Sprintf("||ads%d.example^", i))
		}
	}
	return lines
}

func BenchmarkCompile_1K(b *testing.B)   { benchmarkCompile(b, 1_000) }
func BenchmarkCompile_10K(b *testing.B)  { benchmarkCompile(b, 10_000) }
func BenchmarkCompile_100K(b *testing.B) { benchmarkCompile(b, 100_000) }

func benchmarkCompile(b *testing.B, n int) {
	lines := syntheticList(n)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Compile(lines); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClassify_Block_10K(b *testing.B) {
	benchmarkClassifyURL(b, 10_000, "https://ads4.example/x.js")
}

func BenchmarkClassify_Miss_10K(b *testing.B) {
	benchmarkClassifyURL(b, 10_000, "https://news.example/story/123?utm=1")
}

func BenchmarkClassify_Miss_100K(b *testing.B) {
	benchmarkClassifyURL(b, 100_000, "https://news.example/story/123?utm=1")
}

func benchmarkClassifyURL(b *testing.B, n int, rawURL string) {
	idx, err := Compile(syntheticList(n))
	if err != nil {
		b.Fatal(err)
	}
	req := RequestDescriptor{URL: rawURL, InitiatorDomain: "news.example", ResourceType: ResourceScript}
	b.ReportAllocs()
	for b.Loop() {
		if _, err := Classify(idx, req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClassify_Parallel(b *testing.B) {
	e := NewEngine(StaticSource(syntheticList(10_000)))
	e.Logger = discardLogger()
	if err := e.Load(context.Background()); err != nil {
		b.Fatal(err)
	}
	reqs := []RequestDescriptor{
		{URL: "https://ads7.example/a.js", ResourceType: ResourceScript},
		{URL: "https://news.example/banner10/x/ad?id=7", ResourceType: ResourceImage},
		{URL: "https://news.example/", ResourceType: ResourceDocument},
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = e.Classify(reqs[i%len(reqs)])
			i++
		}
	})
}

// =============================================================================
// Cache Benchmarks
// =============================================================================

func BenchmarkResponseCache_Parallel(b *testing.B) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	keys := make([]string, 256)
	for i := range keys {
		keys[i] = fmt.Sprintf("GET https://cdn.example/%d.js", i)
	}
	fetch := func(context.Context) (*CacheEntry, error) {
		return &CacheEntry{Status: http.StatusOK, Body: make([]byte, 1024)}, nil
	}
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _, _ = c.GetOrFetch(ctx, keys[i%len(keys)], fetch)
			i++
		}
	})
}

func BenchmarkCacheKey(b *testing.B) {
	h := http.Header{"Accept-Encoding": {"gzip, br"}}
	vary := []string{"Accept-Encoding"}
	for b.Loop() {
		if _, err := CacheKey(http.MethodGet, "https://cdn.example:443/lib/app.js?v=3", h, vary); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Proxy Benchmarks
// =============================================================================

func BenchmarkProxyHTTP_Parallel(b *testing.B) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "OK")
	}))
	defer backend.Close()

	p := NewProxy("", &Pipeline{
		Classifier: MustCompile(syntheticList(1_000)...),
		Cache:      NewResponseCache(CacheConfig{Capacity: 1 << 20}),
	}, nil)
	p.Logger = discardLogger()
	server := httptest.NewServer(p)
	defer server.Close()

	proxyURL, _ := url.Parse(server.URL)
	client := &http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConnsPerHost: 64,
	}}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			resp, err := client.Get(fmt.Sprintf("%s/%d", backend.URL, i%32))
			if err != nil {
				b.Error(err)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			i++
		}
	})
}

// =============================================================================
// Middleware Benchmarks
// =============================================================================

func BenchmarkRateLimiter_Allow_MultiClient(b *testing.B) {
	rl := NewRateLimiter(1e9, 1<<20)
	addrs := make([]string, 1000)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.%d.%d:1234", i/256, i%256)
	}
	i := 0
	for b.Loop() {
		rl.Allow(addrs[i%len(addrs)])
		i++
	}
}

func BenchmarkBodyLimiter_Check(b *testing.B) {
	bl := NewBodyLimiter(1 << 20)
	body := strings.Repeat("x", 4096)
	for b.Loop() {
		req := httptest.NewRequest(http.MethodPost, "http://origin.example/upload", strings.NewReader(body))
		if err := bl.Check(req); err != nil {
			b.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, req.Body)
	}
}
