package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-cue/internal/otel"
	"github.com/basket/go-cue/internal/store"
)

// TickerConfig holds the dependencies for the queue ticker.
type TickerConfig struct {
	Store      *store.Store
	Processor  *Processor
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	WorkerID   string
	LeaseKey   string        // defaults to store.DefaultLeaseKey
	LeaseTTL   time.Duration // defaults to 15s, clamped by the store
	Interval   time.Duration // tick interval; defaults to 1 second if zero
	ClaimLimit int           // items per tick; defaults to 20
}

// Ticker drives the queue processor on an interval, gated by the shared
// worker lease so only one process on a machine burns ticks. Losing the
// lease is not an error; the ticker keeps re-trying and takes over when the
// current holder dies.
type Ticker struct {
	cfg TickerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a Ticker with the given config.
func NewTicker(cfg TickerConfig) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = store.DefaultLeaseKey
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ticker{cfg: cfg}
}

// Start begins the ticker loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.cfg.Logger.Info("queue ticker started",
		"worker_id", t.cfg.WorkerID, "interval", t.cfg.Interval, "lease_key", t.cfg.LeaseKey)
}

// Stop cancels the ticker loop, waits for it to exit, and releases the
// lease so a successor takes over without waiting out the TTL.
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.cfg.Store.ReleaseLease(ctx, t.cfg.LeaseKey, t.cfg.WorkerID); err != nil {
		t.cfg.Logger.Warn("release lease on stop", "error", err)
	}
	t.cfg.Logger.Info("queue ticker stopped")
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick renews the lease and, when this worker holds it, runs one delivery
// pass.
func (t *Ticker) tick(ctx context.Context) {
	lease, err := t.cfg.Store.AcquireLease(ctx, t.cfg.LeaseKey, t.cfg.WorkerID, t.cfg.LeaseTTL)
	if err != nil {
		t.cfg.Logger.Error("acquire lease", "error", err)
		return
	}
	if !lease.Acquired {
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.LeaseDenied.Add(ctx, 1)
		}
		t.cfg.Logger.Debug("lease held elsewhere", "holder", lease.HolderID)
		return
	}

	if _, err := t.cfg.Processor.Tick(ctx, t.cfg.WorkerID, t.cfg.ClaimLimit); err != nil {
		t.cfg.Logger.Error("queue tick failed", "error", err)
	}
}
