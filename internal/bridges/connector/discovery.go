package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Discovery defaults.
const (
	defaultInitialDelay      = 3 * time.Second
	defaultInterRequestDelay = 500 * time.Millisecond
	defaultMaxRounds         = 3
	defaultReadyTimeout      = 20 * time.Second
)

// DiscoveryConfig controls how sub-device details are resolved after the
// first device list arrives.
type DiscoveryConfig struct {
	// InitialDelay is the wait before the first round. Default: 3s.
	InitialDelay time.Duration

	// InterRequestDelay spaces detail queries. Default: 500ms.
	InterRequestDelay time.Duration

	// MaxRounds bounds how often the pending queue is retried. Default: 3.
	MaxRounds int

	// ReadyTimeout is the default wait of DeviceListReady. Default: 20s.
	ReadyTimeout time.Duration

	// UseReadDevice queries with ReadDevice instead of WriteDevice
	// operation 5.
	UseReadDevice bool
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.InitialDelay == 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.InterRequestDelay == 0 {
		c.InterRequestDelay = defaultInterRequestDelay
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = defaultMaxRounds
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
}

// discoveryCoordinator runs one bounded retry cycle per trigger.
type discoveryCoordinator struct {
	cfg   DiscoveryConfig
	reg   *Registry
	query func(ctx context.Context, e PendingEntry) error
	log   *logSink
	wg    *sync.WaitGroup

	mu        sync.Mutex
	triggered bool
	ready     *closeOnce
	cancel    context.CancelFunc

	cycles    atomic.Uint64
	abandoned atomic.Uint64
}

func newDiscoveryCoordinator(
	cfg DiscoveryConfig,
	reg *Registry,
	query func(ctx context.Context, e PendingEntry) error,
	log *logSink,
	wg *sync.WaitGroup,
) *discoveryCoordinator {
	return &discoveryCoordinator{
		cfg:   cfg,
		reg:   reg,
		query: query,
		log:   log,
		wg:    wg,
		ready: newCloseOnce(),
	}
}

// trigger starts a cycle unless one already ran since the last reset.
func (d *discoveryCoordinator) trigger(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.triggered {
		return
	}
	d.triggered = true

	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	ready := d.ready

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.run(ctx, ready)
	}()
}

// run performs the rounds and then marks ready, whatever remains pending.
func (d *discoveryCoordinator) run(ctx context.Context, ready *closeOnce) {
	d.cycles.Add(1)

	if !sleepCtx(ctx, d.cfg.InitialDelay) {
		return
	}

	for round := 1; round <= d.cfg.MaxRounds; round++ {
		pending := d.reg.Pending()
		if len(pending) == 0 {
			break
		}

		d.log.debug("discovery round", "round", round, "pending", len(pending))

		for _, e := range pending {
			if err := d.query(ctx, e); err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				d.log.warn("detail query failed", "mac", e.Mac, "device_type", e.DeviceType, "error", err)
			}
			if !sleepCtx(ctx, d.cfg.InterRequestDelay) {
				return
			}
		}
	}

	if left := d.reg.Pending(); len(left) > 0 {
		d.abandoned.Add(uint64(len(left)))
		for _, e := range left {
			d.log.warn("device did not answer discovery", "mac", e.Mac, "device_type", e.DeviceType)
		}
	}

	ready.Close()
	d.log.info("device discovery complete", "blinds", len(d.reg.Blinds()))
}

// reset cancels a running cycle and re-arms the trigger with a fresh
// readiness channel.
func (d *discoveryCoordinator) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.triggered = false
	d.ready = newCloseOnce()
}

// stop cancels a running cycle.
func (d *discoveryCoordinator) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// readyChan returns the readiness channel of the current cycle.
func (d *discoveryCoordinator) readyChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Done()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
