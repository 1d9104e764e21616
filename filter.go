package adproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRuleSourceUnavailable wraps every failure to read filter lists.
var ErrRuleSourceUnavailable = errors.New("rule source unavailable")

// ErrNoIndex is returned by Engine.Classify before the first successful
// load.
var ErrNoIndex = errors.New("no filter index loaded")

// RuleSource yields the raw lines of one or more filter lists.
type RuleSource interface {
	Lines(ctx context.Context) ([]string, error)
}

// RuleSourceFunc is a function adapter for RuleSource.
type RuleSourceFunc func(ctx context.Context) ([]string, error)

// Lines calls the underlying function.
func (f RuleSourceFunc) Lines(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Engine owns the live CompiledIndex. Reloads compile a new index off to
// the side and publish it with one atomic store, so classification never
// waits and never sees a half-built index. A failed reload keeps the
// previous index.
type Engine struct {
	source RuleSource
	index  atomic.Pointer[CompiledIndex]
	loadMu sync.Mutex

	loadedAt atomic.Int64

	// OnReload is called after a successful reload.
	OnReload func(stats CompileStats)

	// OnError is called when a reload fails.
	OnError func(err error)

	Logger *slog.Logger
}

// NewEngine creates an engine reading from source. Call Load before
// serving traffic.
func NewEngine(source RuleSource) *Engine {
	return &Engine{source: source, Logger: slog.Default()}
}

// Load reads and compiles the rule source and installs the result.
func (e *Engine) Load(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if e.source == nil {
		return e.fail(fmt.Errorf("%w: no source configured", ErrRuleSourceUnavailable))
	}
	lines, err := e.source.Lines(ctx)
	if err != nil {
		if !errors.Is(err, ErrRuleSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrRuleSourceUnavailable, err)
		}
		return e.fail(err)
	}

	start := time.Now()
	idx, err := Compile(lines)
	if err != nil {
		return e.fail(fmt.Errorf("compile filters: %w", err))
	}
	e.Swap(idx)

	stats := idx.Stats()
	e.logger().Info("filters loaded",
		"rules", stats.Rules,
		"skipped", stats.Skipped(),
		"duplicates", stats.Duplicates,
		"fallback", stats.Fallback,
		"took", time.Since(start))
	if e.OnReload != nil {
		e.OnReload(stats)
	}
	return nil
}

func (e *Engine) fail(err error) error {
	e.logger().Error("filter reload failed, keeping previous rules", "error", err)
	if e.OnError != nil {
		e.OnError(err)
	}
	return err
}

// Swap installs idx as the live index.
func (e *Engine) Swap(idx *CompiledIndex) {
	e.index.Store(idx)
	e.loadedAt.Store(time.Now().UnixNano())
}

// Index returns the live index, or nil before the first load.
func (e *Engine) Index() *CompiledIndex {
	return e.index.Load()
}

// LoadedAt returns when the live index was installed.
func (e *Engine) LoadedAt() time.Time {
	ns := e.loadedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Ready reports whether an index has been installed.
func (e *Engine) Ready() bool {
	return e.index.Load() != nil
}

// Classify implements Classifier against the live index. The index
// pointer is read once, so a concurrent reload does not affect a
// classification in progress.
func (e *Engine) Classify(req RequestDescriptor) (Verdict, error) {
	idx := e.index.Load()
	if idx == nil {
		return Verdict{Action: ActionAllow}, ErrNoIndex
	}
	return Classify(idx, req)
}

// StartAutoReload starts a goroutine that reloads rules at the specified interval.
// Returns a cancel function to stop the reload goroutine.
func (e *Engine) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = e.Load(ctx)
			}
		}
	}()

	return cancel
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ReadLines splits r into lines. Lines are returned untrimmed.
func ReadLines(ctx context.Context, r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if len(lines)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// FileSource reads one filter list file.
type FileSource struct {
	Path string
}

// Lines implements RuleSource.
func (s FileSource) Lines(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrRuleSourceUnavailable, s.Path, err)
	}
	defer func() { _ = f.Close() }()

	lines, err := ReadLines(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrRuleSourceUnavailable, s.Path, err)
	}
	return lines, nil
}

// DirSource reads every regular file in a directory, in name order. A
// single unreadable file fails the whole source rather than silently
// dropping a list.
type DirSource struct {
	Path string
}

// Lines implements RuleSource.
func (s DirSource) Lines(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open filter directory %s: %w", ErrRuleSourceUnavailable, s.Path, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)

	var lines []string
	for _, name := range names {
		l, err := FileSource{Path: filepath.Join(s.Path, name)}.Lines(ctx)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l...)
	}
	return lines, nil
}

// URLSource downloads a filter list over HTTP.
type URLSource struct {
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// Lines implements RuleSource.
func (s URLSource) Lines(ctx context.Context) ([]string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrRuleSourceUnavailable, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrRuleSourceUnavailable, s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: unexpected status %d", ErrRuleSourceUnavailable, s.URL, resp.StatusCode)
	}

	lines, err := ReadLines(ctx, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrRuleSourceUnavailable, s.URL, err)
	}
	return lines, nil
}

// StaticSource returns a fixed list of lines.
// Useful for testing or combining with other sources.
type StaticSource []string

// Lines implements RuleSource.
func (s StaticSource) Lines(context.Context) ([]string, error) {
	return slices.Clone(s), nil
}

// MultiSource reads several sources concurrently and concatenates their
// lines in source order. Any failure fails the whole read.
type MultiSource []RuleSource

// Lines implements RuleSource.
func (m MultiSource) Lines(ctx context.Context) ([]string, error) {
	results := make([][]string, len(m))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range m {
		g.Go(func() error {
			lines, err := src.Lines(ctx)
			if err != nil {
				return fmt.Errorf("source %d: %w", i, err)
			}
			results[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, r := range results {
		total += len(r)
	}
	lines := make([]string, 0, total)
	for _, r := range results {
		lines = append(lines, r...)
	}
	return lines, nil
}
