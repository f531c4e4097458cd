package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is how often health is published.
const defaultHealthInterval = 30 * time.Second

// HealthReporter publishes the retained bridge health message: once on
// start, then every interval, and a final "stopping" status on Stop.
type HealthReporter struct {
	version   string
	group     string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	engine    EngineStatus

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the slice of MQTTClient the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// EngineStatus is the part of the Engine health reporting reads.
type EngineStatus interface {
	ConnectionState() ConnectionState
	LastErrorCode() ErrorCode
	Stats() EngineStats
}

// HealthReporterConfig configures NewHealthReporter. Zero Interval and
// MulticastGroup fall back to 30s and 238.0.0.18.
type HealthReporterConfig struct {
	Version        string
	MulticastGroup string
	Interval       time.Duration
	Publisher      HealthPublisher
	Engine         EngineStatus
}

// NewHealthReporter returns a reporter; nothing is published until Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultHealthInterval
	}
	group := cfg.MulticastGroup
	if group == "" {
		group = DefaultMulticastGroup
	}

	return &HealthReporter{
		version:   cfg.Version,
		group:     group,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		engine:    cfg.Engine,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload is the encoded offline health message registered as the
// MQTT last will on HealthTopic.
func LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage())
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus maps broker and transport state onto a health status.
// A rejected access token is called out separately because only a key
// change fixes it.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.engine == nil {
		return HealthDegraded, "engine not running"
	}

	switch state := h.engine.ConnectionState(); state {
	case StateListening:
		return HealthHealthy, ""
	case StateFaulted:
		if h.engine.LastErrorCode() == ErrorCodeAccessToken {
			return HealthUnhealthy, "hub rejected access token, check key"
		}
		return HealthUnhealthy, "multicast socket error"
	default:
		return HealthDegraded, "transport " + state.String()
	}
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	state, code := StateDisconnected, ErrorCodeNone
	var stats EngineStats
	if h.engine != nil {
		state = h.engine.ConnectionState()
		code = h.engine.LastErrorCode()
		stats = h.engine.Stats()
	}

	msg := NewHealthMessage(h.version, status, state, code, h.group, stats, h.startTime)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
