package adproxy

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Loader is anything that can (re)load its state, such as an Engine.
type Loader interface {
	Load(ctx context.Context) error
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) error

// Load calls f(ctx).
func (f LoaderFunc) Load(ctx context.Context) error { return f(ctx) }

// SIGHUPReloader watches for SIGHUP signals and reloads filter rules.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that calls each loader in turn whenever
// the process receives SIGHUP. A failing loader is logged and does not
// stop the others; an Engine keeps serving its previous index.
func WatchSIGHUP(logger *slog.Logger, loaders ...Loader) *SIGHUPReloader {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading")
				for _, l := range loaders {
					if err := l.Load(ctx); err != nil {
						logger.Error("reload failed", "error", err)
					}
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
