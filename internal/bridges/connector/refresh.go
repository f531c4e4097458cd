package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRefreshSchedule polls two-way blinds once an hour.
	DefaultRefreshSchedule = "@every 1h"

	// maxConcurrentHubRefresh bounds parallel hub refreshes.
	maxConcurrentHubRefresh = 4

	// refreshTimeout bounds one scheduled refresh run.
	refreshTimeout = 5 * time.Minute
)

// HubRefresher is the part of the Engine a refresh needs.
type HubRefresher interface {
	Hubs() []HubState
	UpdateHub(ctx context.Context, hubMac string) error
}

// RefreshAll asks every hub with children to report blind state. Hubs are
// refreshed concurrently and independently; the requests within one hub
// stay spaced.
//
// Returns:
//   - int: Number of hubs refreshed without error
//   - error: Every hub failure, joined
func RefreshAll(ctx context.Context, r HubRefresher) (int, error) {
	hubs := lo.Filter(r.Hubs(), func(h HubState, _ int) bool {
		return len(h.Blinds) > 0
	})

	var (
		mu   sync.Mutex
		done int
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentHubRefresh)
	for _, hub := range hubs {
		hub := hub
		g.Go(func() error {
			err := r.UpdateHub(ctx, hub.Mac)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("hub %s: %w", hub.Mac, err))
				return nil
			}
			done++
			return nil
		})
	}
	_ = g.Wait()
	return done, errors.Join(errs...)
}

// Refresher periodically refreshes blind state on a cron schedule.
type Refresher struct {
	target   HubRefresher
	schedule string
	cron     *cron.Cron
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRefresher creates a refresher for target. An empty schedule uses
// DefaultRefreshSchedule.
//
// Returns:
//   - *Refresher: Ready to start
//   - error: If schedule is not a valid cron spec
func NewRefresher(target HubRefresher, schedule string) (*Refresher, error) {
	if target == nil {
		return nil, fmt.Errorf("refresh target is required")
	}
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}

	r := &Refresher{
		target:   target,
		schedule: schedule,
		cron:     cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// ValidateSchedule reports whether spec is an accepted cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Start begins the schedule. Runs happen on the cron goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logInfo("blind refresh scheduled", "schedule", r.schedule)
}

// Stop halts the schedule and waits for a running refresh to finish.
// Safe to call multiple times.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
	})
}

// SetLogger sets the logger for the refresher.
func (r *Refresher) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	n, err := RefreshAll(ctx, r.target)
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("scheduled refresh incomplete", "hubs", n, "error", err)
		return
	}
	logger.Debug("scheduled refresh sent", "hubs", n)
}

func (r *Refresher) logInfo(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}
