package dumpwatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/insightvmi/insightd/internal/registry"
)

// Registry is the subset of *registry.Registry a Registrar depends on.
type Registry interface {
	Register(ctx context.Context, dumpPath string) (int64, error)
}

// Registrar drains a Watcher's Events and keeps an *internal/registry.Registry
// in sync with which dump images are actually present on disk, the way
// internal/agent.Agent's processEvents/handleEvent pair drained a file
// watcher into the durable alert queue.
type Registrar struct {
	watcher Watcher
	reg     Registry
	logger  *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRegistrar creates a Registrar over watcher and reg.
func NewRegistrar(watcher Watcher, reg Registry, logger *slog.Logger) *Registrar {
	return &Registrar{watcher: watcher, reg: reg, logger: logger}
}

// Run starts draining the watcher's Events in a background goroutine. It
// returns immediately; call Stop to unwind it.
func (r *Registrar) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.processEvents(ctx)
}

// Stop cancels the background goroutine and waits for it to exit. It does
// not stop the underlying Watcher; callers own its lifecycle.
func (r *Registrar) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Registrar) processEvents(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			r.handleEvent(ctx, evt)
		}
	}
}

// handleEvent registers newly-arrived dump images with the registry.
// EventRemoved is logged only: a dump already loaded by the engine stays
// loaded until an explicit "memory unload", since the underlying file
// handle may still be open and readable even after unlink.
func (r *Registrar) handleEvent(ctx context.Context, evt Event) {
	switch evt.EventType {
	case EventArrived:
		if _, err := r.reg.Register(ctx, evt.Path); err != nil {
			r.logger.Warn("dumpwatch: failed to register arrived dump",
				slog.String("path", evt.Path), slog.Any("error", err))
			return
		}
		r.logger.Info("dumpwatch: registered new dump", slog.String("path", evt.Path))
	case EventRemoved:
		r.logger.Info("dumpwatch: dump file removed from watched directory",
			slog.String("path", evt.Path))
	}
}

var _ Registry = (*registry.Registry)(nil)
