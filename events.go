package adproxy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a step of the per-request pipeline.
type State uint8

// Pipeline states in the order a request passes through them.
const (
	StateReceived State = iota
	StateClassified
	StateBlocked
	StateAllowed
	StateCacheHit
	StateCacheMiss
	StateFetched
	StateResponded
)

var stateNames = [...]string{
	StateReceived:   "received",
	StateClassified: "classified",
	StateBlocked:    "blocked",
	StateAllowed:    "allowed",
	StateCacheHit:   "cache_hit",
	StateCacheMiss:  "cache_miss",
	StateFetched:    "fetched",
	StateResponded:  "responded",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event reports one pipeline transition. Only the fields relevant to the
// state are set.
type Event struct {
	State     State
	RequestID string
	URL       string
	Time      time.Time

	Verdict Verdict
	Lookup  CacheLookup
	Status  int
	Bytes   int
	Elapsed time.Duration
	Err     error
}

// EventSink receives pipeline events. Emit must not block the request.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events to a slog.Logger at debug level, and errors at
// warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements EventSink.
func (s LogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("state", e.State.String()),
		slog.String("request_id", e.RequestID),
		slog.String("url", e.URL),
	}
	switch e.State {
	case StateClassified, StateBlocked:
		attrs = append(attrs, slog.String("verdict", e.Verdict.Action.String()))
		if e.Verdict.Rule != nil {
			attrs = append(attrs, slog.String("rule", e.Verdict.Rule.Text))
		}
	case StateCacheHit, StateCacheMiss:
		attrs = append(attrs, slog.String("lookup", e.Lookup.String()))
	case StateFetched, StateResponded:
		attrs = append(attrs, slog.Int("status", e.Status), slog.Duration("elapsed", e.Elapsed))
	}
	if e.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	logger.LogAttrs(context.Background(), level, "pipeline", attrs...)
}

// MetricsSink turns events into Prometheus metrics.
type MetricsSink struct {
	Metrics *Metrics
}

// Emit implements EventSink.
func (s MetricsSink) Emit(e Event) {
	m := s.Metrics
	if m == nil {
		return
	}
	switch e.State {
	case StateClassified:
		m.RecordVerdict(e.Verdict.Action)
		if e.Err != nil {
			m.RecordClassifyError()
		}
	case StateCacheHit, StateCacheMiss:
		m.RecordCacheLookup(e.Lookup)
	case StateFetched:
		m.RecordFetch(e.Elapsed)
		if e.Err != nil {
			m.RecordUpstreamError(hostOf(e.URL))
		}
	}
}

// AsyncSink queues events for a background goroutine so Emit never waits.
// Events that do not fit in the buffer are dropped.
type AsyncSink struct {
	next   EventSink
	ch     chan Event
	onDrop func()
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts a goroutine delivering to next. onDrop, if non-nil,
// is called for every dropped event.
func NewAsyncSink(next EventSink, buffer int, onDrop func()) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		next:   next,
		ch:     make(chan Event, buffer),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.ch {
		s.next.Emit(e)
	}
}

// Emit implements EventSink.
func (s *AsyncSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Close stops accepting events and waits until the queue is drained.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
