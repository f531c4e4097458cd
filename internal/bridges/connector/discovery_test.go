package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCoordinator(reg *Registry, cfg DiscoveryConfig, query func(ctx context.Context, e PendingEntry) error) (*discoveryCoordinator, *sync.WaitGroup) {
	cfg.applyDefaults()
	wg := &sync.WaitGroup{}
	return newDiscoveryCoordinator(cfg, reg, query, &logSink{}, wg), wg
}

func waitReady(t *testing.T, d *discoveryCoordinator) {
	t.Helper()
	select {
	case <-d.readyChan():
	case <-time.After(2 * time.Second):
		t.Fatal("discovery did not become ready")
	}
}

func TestDiscovery_AbandonsAfterMaxRounds(t *testing.T) {
	reg, _ := newTestRegistry()
	var entries []DeviceEntry
	for i := 1; i <= 5; i++ {
		entries = append(entries, blindEntry(fmt.Sprintf("%s%04d", testHubMac, i)))
	}
	reg.onDeviceListAck(hubAck(entries...))

	var queries atomic.Int32
	d, wg := newTestCoordinator(reg, fastDiscovery(), func(context.Context, PendingEntry) error {
		queries.Add(1)
		return nil
	})

	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()

	if got := queries.Load(); got != 15 {
		t.Errorf("queries = %d, want 15 (5 entries x 3 rounds)", got)
	}
	if n := len(reg.Pending()); n != 5 {
		t.Errorf("len(Pending()) = %d, want 5", n)
	}
	if got := d.abandoned.Load(); got != 5 {
		t.Errorf("abandoned = %d, want 5", got)
	}
}

func TestDiscovery_StopsWhenQueueEmpty(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1), blindEntry(testChild2)))

	var queries atomic.Int32
	d, wg := newTestCoordinator(reg, fastDiscovery(), func(_ context.Context, e PendingEntry) error {
		queries.Add(1)
		reg.onDeviceAck(e.Mac, e.DeviceType, modeData(WirelessModeBiDirectional, 0))
		return nil
	})

	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()

	if got := queries.Load(); got != 2 {
		t.Errorf("queries = %d, want 2", got)
	}
	if n := len(reg.Blinds()); n != 2 {
		t.Errorf("len(Blinds()) = %d, want 2", n)
	}
	if got := d.abandoned.Load(); got != 0 {
		t.Errorf("abandoned = %d, want 0", got)
	}
}

func TestDiscovery_TriggersOnce(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))

	var queries atomic.Int32
	d, wg := newTestCoordinator(reg, fastDiscovery(), func(context.Context, PendingEntry) error {
		queries.Add(1)
		return nil
	})

	d.trigger(context.Background())
	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()
	d.trigger(context.Background())
	wg.Wait()

	if got := d.cycles.Load(); got != 1 {
		t.Errorf("cycles = %d, want 1", got)
	}
	if got := queries.Load(); got != 3 {
		t.Errorf("queries = %d, want 3", got)
	}
}

func TestDiscovery_ResetRearms(t *testing.T) {
	reg, _ := newTestRegistry()
	d, wg := newTestCoordinator(reg, fastDiscovery(), func(context.Context, PendingEntry) error { return nil })

	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()

	d.reset()
	select {
	case <-d.readyChan():
		t.Fatal("ready channel still closed after reset")
	default:
	}

	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()

	if got := d.cycles.Load(); got != 2 {
		t.Errorf("cycles = %d, want 2", got)
	}
}

func TestDiscovery_SpacesQueries(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1), blindEntry(testChild2)))

	cfg := fastDiscovery()
	cfg.InterRequestDelay = 30 * time.Millisecond
	cfg.MaxRounds = 1

	var mu sync.Mutex
	var stamps []time.Time
	d, wg := newTestCoordinator(reg, cfg, func(context.Context, PendingEntry) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	})

	d.trigger(context.Background())
	waitReady(t, d)
	wg.Wait()

	if len(stamps) != 2 {
		t.Fatalf("queries = %d, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < cfg.InterRequestDelay {
		t.Errorf("gap = %s, want >= %s", gap, cfg.InterRequestDelay)
	}
}

func TestDiscovery_CancelDoesNotMarkReady(t *testing.T) {
	reg, _ := newTestRegistry()
	cfg := fastDiscovery()
	cfg.InitialDelay = time.Hour
	d, wg := newTestCoordinator(reg, cfg, func(context.Context, PendingEntry) error { return nil })

	d.trigger(context.Background())
	d.stop()
	wg.Wait()

	select {
	case <-d.readyChan():
		t.Error("ready closed after cancellation")
	default:
	}
}

func TestDiscoveryConfig_Defaults(t *testing.T) {
	var cfg DiscoveryConfig
	cfg.applyDefaults()

	if cfg.InitialDelay != 3*time.Second {
		t.Errorf("InitialDelay = %s, want 3s", cfg.InitialDelay)
	}
	if cfg.InterRequestDelay != 500*time.Millisecond {
		t.Errorf("InterRequestDelay = %s, want 500ms", cfg.InterRequestDelay)
	}
	if cfg.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d, want 3", cfg.MaxRounds)
	}
	if cfg.ReadyTimeout != 20*time.Second {
		t.Errorf("ReadyTimeout = %s, want 20s", cfg.ReadyTimeout)
	}
}
