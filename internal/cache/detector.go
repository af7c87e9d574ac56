package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// DefaultDetectorInterval is how often the background detector reconciles
// when no interval is configured.
const DefaultDetectorInterval = 5 * time.Second

// Detector periodically reconciles a definition cache against the shared
// store. A reconcile failure is logged and retried on the next cycle; a
// stale cache degrades matching freshness but never correctness, because
// the subscription store is consulted at match time.
type Detector struct {
	cache    *Definitions
	interval time.Duration
	observer api.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDetector creates a Detector over the given cache. interval <= 0 uses
// DefaultDetectorInterval. observer may be nil.
func NewDetector(cache *Definitions, interval time.Duration, observer api.Observer) *Detector {
	if interval <= 0 {
		interval = DefaultDetectorInterval
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Detector{
		cache:    cache,
		interval: interval,
		observer: observer,
		logger:   slog.Default(),
	}
}

// RunOnce triggers one reconcile cycle immediately. Used by tests and
// administrative tooling.
func (d *Detector) RunOnce(ctx context.Context) error {
	stats, err := d.cache.Reconcile(ctx)
	if err != nil {
		return err
	}
	if stats.Changed {
		d.observer.OnReconciled(ctx, stats.Loaded, stats.Evicted, stats.Reloaded)
	}
	return nil
}

// Start launches the background reconcile loop. Calling Start twice
// without Stop returns an error.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return errors.New("correl: change detector already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.RunOnce(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					// Retried on the next cycle.
					d.logger.Warn("definition cache reconcile failed",
						slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// Stop cancels the background loop and waits for it to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
