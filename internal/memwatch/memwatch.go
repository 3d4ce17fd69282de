// Package memwatch samples system memory and shrinks the decoder pool when
// the device runs hot. Decoders hold large native buffers the Go runtime
// never sees, so the watcher reacts to OS-level usage, not heap size.
package memwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
)

// sampler reads the current used-memory percentage. Swapped in tests.
type sampler func(ctx context.Context) (float64, error)

func systemSampler(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Watcher periodically samples memory and triggers an emergency pool shrink
// above the configured threshold.
type Watcher struct {
	cfg    config.MemoryConfig
	pool   *pool.Pool
	logger *slog.Logger
	sample sampler

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	shrinks   uint64
	lastUsage float64
}

// New creates a memory watcher. Start must be called to begin sampling.
func New(cfg config.MemoryConfig, p *pool.Pool, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		pool:   p,
		logger: observability.WithComponent(logger, "memwatch"),
		sample: systemSampler,
	}
}

// Start launches the sampling loop. It is a no-op when the watcher is
// disabled or already running.
func (w *Watcher) Start() {
	if !w.cfg.Enabled {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check samples memory once and shrinks the pool if usage exceeds the
// threshold. Returns true when a shrink happened.
func (w *Watcher) Check(ctx context.Context) bool {
	usage, err := w.sample(ctx)
	if err != nil {
		w.logger.Warn("memory sample failed", slog.String("error", err.Error()))
		return false
	}

	w.mu.Lock()
	w.lastUsage = usage
	w.mu.Unlock()

	if usage < w.cfg.ThresholdPercent {
		return false
	}

	disposed := w.pool.DisposeForMemoryPressure(w.cfg.KeepSlots)
	w.mu.Lock()
	w.shrinks++
	w.mu.Unlock()

	w.logger.Warn("memory pressure shrink",
		slog.Float64("used_percent", usage),
		slog.Float64("threshold", w.cfg.ThresholdPercent),
		slog.Int("disposed", disposed),
	)
	return true
}

// LastUsage returns the most recently sampled used-memory percentage.
func (w *Watcher) LastUsage() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsage
}

// Shrinks returns how many emergency shrinks have run.
func (w *Watcher) Shrinks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shrinks
}

// Stop halts the sampling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
