package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout is the timeout for sending commands to hubs.
	commandTimeout = 5 * time.Second

	// readAllTimeout is the timeout for refreshing every hub.
	readAllTimeout = 60 * time.Second
)

// Bridge translates between Gray Logic MQTT topics and the Connector engine.
// It handles:
//   - Commands from Core, validated and sent to the addressed blind
//   - Blind state pushes, published as retained state messages
//   - Requests (read_state, read_all, discover) and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	engine   *Engine
	mqtt     MQTTClient
	health   *HealthReporter
	recorder StateRecorder
	auditor  AuditRecorder

	// State cache for change detection
	stateCache   map[string]map[string]any
	stateCacheMu sync.Mutex

	faultInterval time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	// Discovery waiters, guarded by waitMu. Stop sets stopped before
	// waiting on wg, so no waiter is added after that.
	waitMu      sync.Mutex
	stopped     bool
	cancelAwait context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// StateRecorder receives every published blind state, e.g. for telemetry.
// Optional.
type StateRecorder interface {
	RecordBlindState(st BlindState)
}

// AuditRecorder records commands and transport faults. Optional.
type AuditRecorder interface {
	RecordEvent(ctx context.Context, action, entityID string, details map[string]any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Engine is the running Connector engine.
	Engine *Engine

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Version is reported in health messages.
	Version string

	// MulticastGroup is reported in health messages.
	MulticastGroup string

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// Recorder receives published states. Optional.
	Recorder StateRecorder

	// Auditor records commands and faults. Optional.
	Auditor AuditRecorder

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	interval := opts.HealthInterval
	if interval == 0 {
		interval = defaultHealthInterval
	}

	b := &Bridge{
		engine:        opts.Engine,
		mqtt:          opts.MQTTClient,
		recorder:      opts.Recorder,
		auditor:       opts.Auditor,
		stateCache:    make(map[string]map[string]any),
		faultInterval: interval,
		done:          make(chan struct{}),
		ctx:           ctx,
		ctxCancel:     ctxCancel,
		logger:        opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:        opts.Version,
		MulticastGroup: opts.MulticastGroup,
		Interval:       interval,
		Publisher:      opts.MQTTClient,
		Engine:         opts.Engine,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to command and request topics, hooks engine state
// updates and starts health reporting. Discovery results are published
// once the engine's device list is ready.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.engine.SetOnUpdate(b.handleBlindUpdate)

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)

	b.wg.Add(1)
	go b.watchFaults()
	b.startAwaitDiscovery()

	b.logInfo("bridge started", "protocol", ProtocolName)
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.waitMu.Lock()
		b.stopped = true
		b.waitMu.Unlock()

		close(b.done)
		b.ctxCancel()
		b.engine.SetOnUpdate(nil)
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// startAwaitDiscovery replaces any running discovery waiter with a new one.
// It does nothing once Stop has begun.
func (b *Bridge) startAwaitDiscovery() {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()

	if b.stopped {
		return
	}
	if b.cancelAwait != nil {
		b.cancelAwait()
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.cancelAwait = cancel

	b.wg.Add(1)
	go b.awaitDiscovery(ctx)
}

// awaitDiscovery publishes the discovery message and current states once
// the device list is ready. A waiter superseded by a newer discover request
// returns quietly.
func (b *Bridge) awaitDiscovery(ctx context.Context) {
	defer b.wg.Done()

	if _, err := b.engine.DeviceListReady(ctx, 0); err != nil {
		if ctx.Err() == nil {
			b.logError("device list not ready", err)
		}
		return
	}
	b.publishDiscovery()
	for _, st := range b.engine.Blinds() {
		b.handleBlindUpdate(st)
	}
}

// watchFaults audits transitions into the Faulted state.
func (b *Bridge) watchFaults() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.faultInterval)
	defer ticker.Stop()

	lastState, lastCode := b.engine.ConnectionState(), b.engine.LastErrorCode()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			state, code := b.engine.ConnectionState(), b.engine.LastErrorCode()
			if state == StateFaulted && (lastState != StateFaulted || lastCode != code) {
				b.logInfo("transport faulted", "error_code", int(code), "reason", code.String())
				b.audit("connector.fault", ProtocolName, map[string]any{
					"error_code": int(code),
					"reason":     code.String(),
				})
				if err := b.health.PublishNow(); err != nil {
					b.logError("failed to publish health", err)
				}
			}
			lastState, lastCode = state, code
		}
	}
}

// handleMQTTMessage routes an incoming MQTT message by topic category.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		mac := ""
		if len(parts) > minTopicParts {
			mac = parts[minTopicParts]
		}
		b.handleCommand(mac, payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand validates and executes a command for one blind.
// The mac in the topic wins over the payload's device_id.
func (b *Bridge) handleCommand(mac string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if mac == "" {
		mac = cmd.DeviceID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"mac", mac,
		"command", cmd.Command)

	if err := b.executeCommand(cmd, mac); err != nil {
		b.publishAckError(cmd, mac, ErrorCodeFor(err), err.Error())
		b.audit("command.failed", mac, map[string]any{
			"command": cmd.Command,
			"source":  cmd.Source,
			"error":   err.Error(),
		})
		return
	}

	b.publishAck(cmd, mac, AckAccepted)
	b.audit("command", mac, map[string]any{
		"command":    cmd.Command,
		"parameters": cmd.Parameters,
		"source":     cmd.Source,
	})
}

// executeCommand parses cmd and sends it to the blind.
func (b *Bridge) executeCommand(cmd CommandMessage, mac string) error {
	parsed, err := ParseBlindCommand(cmd.Command, cmd.Parameters)
	if err != nil {
		return err
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	return b.engine.Execute(ctx, mac, parsed)
}

func (b *Bridge) publishAck(cmd CommandMessage, mac string, status AckStatus) {
	b.publishJSON(AckTopic(mac), NewAckMessage(cmd, status, mac), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, mac, code, message string) {
	b.publishJSON(AckTopic(mac), NewAckError(cmd, mac, code, message), false)
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "discover":
		resp = b.handleDiscover(req)
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

// handleReadState returns the cached state of one blind and asks two-way
// blinds for a fresh report.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return errorResponse(req, ErrCodeInvalidParameters, "device_id is required")
	}

	blind, err := b.engine.Blind(req.DeviceID)
	if err != nil {
		return errorResponse(req, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", req.DeviceID))
	}

	data := map[string]any{"state": blindStateMap(blind.State())}
	if blind.Variant() == VariantTwoWay {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if err := blind.UpdateState(ctx); err != nil {
			b.logError("state refresh failed", fmt.Errorf("mac=%s: %w", req.DeviceID, err))
		} else {
			data["message"] = "refresh sent, state updates will follow"
		}
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// handleReadAll refreshes every hub concurrently.
func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	refreshed, err := RefreshAll(ctx, b.engine)
	if err != nil {
		if ctx.Err() != nil {
			return errorResponse(req, ErrCodeTimeout, "read_all timed out")
		}
		b.logError("hub refresh failed", err)
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"hubs":    refreshed,
			"blinds":  len(b.engine.Blinds()),
			"message": "refresh sent, state updates will follow",
		},
	}
}

// handleDiscover restarts discovery and publishes the result when ready.
func (b *Bridge) handleDiscover(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.engine.Rediscover(ctx); err != nil {
		return errorResponse(req, ErrorCodeFor(err), err.Error())
	}
	b.audit("connector.rediscover", ProtocolName, map[string]any{"request_id": req.RequestID})

	b.startAwaitDiscovery()

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      map[string]any{"message": "discovery started, results follow on " + DiscoveryTopic()},
	}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// handleBlindUpdate publishes a blind's state unless it is unchanged.
// It runs on the engine's actor goroutine.
func (b *Bridge) handleBlindUpdate(st BlindState) {
	msg := NewStateMessage(st)
	if b.stateUnchanged(st.Mac, msg.State) {
		return
	}

	b.publishJSON(StateTopic(st.Mac), msg, true)

	if b.recorder != nil {
		b.recorder.RecordBlindState(st)
	}
}

// stateUnchanged reports whether state matches the last published state
// for mac, and caches it if not.
func (b *Bridge) stateUnchanged(mac string, state map[string]any) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	if cached, ok := b.stateCache[mac]; ok && maps.Equal(cached, state) {
		return true
	}
	b.stateCache[mac] = state
	return false
}

// ClearStateCache forgets published states so the next update of every
// blind is published.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	b.stateCache = make(map[string]map[string]any)
}

func (b *Bridge) publishDiscovery() {
	msg := NewDiscoveryMessage(b.engine.Blinds())
	b.publishJSON(DiscoveryTopic(), msg, false)
	b.logInfo("published discovery", "devices", len(msg.Devices))
}

// publishJSON marshals v and publishes it with QoS 1.
func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal payload", fmt.Errorf("topic=%s: %w", topic, err))
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

func (b *Bridge) audit(action, entityID string, details map[string]any) {
	if b.auditor == nil {
		return
	}
	b.auditor.RecordEvent(b.ctx, action, entityID, details)
}

// BridgeMetrics contains metrics data for the API health endpoint.
type BridgeMetrics struct {
	Connected      bool   `json:"connected"`
	Status         string `json:"status"`
	ErrorCode      int    `json:"error_code"`
	DatagramsTx    uint64 `json:"datagrams_tx"`
	DatagramsRx    uint64 `json:"datagrams_rx"`
	DevicesManaged int    `json:"devices_managed"`
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.engine.Stats()
	return BridgeMetrics{
		Connected:      b.engine.IsConnected() && b.mqtt.IsConnected(),
		Status:         b.engine.ConnectionState().String(),
		ErrorCode:      int(b.engine.LastErrorCode()),
		DatagramsTx:    stats.Transport.DatagramsTx,
		DatagramsRx:    stats.Transport.DatagramsRx,
		DevicesManaged: stats.Blinds,
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil && !errors.Is(err, context.Canceled) {
		logger.Error(msg, "error", err)
	}
}
