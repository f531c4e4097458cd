package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultQueueSize bounds the inbound message queue of the actor.
	defaultQueueSize = 256

	// deviceListRepeatDelay separates the two GetDeviceList sends on start.
	deviceListRepeatDelay = 100 * time.Millisecond
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Transport configures the multicast socket.
	Transport TransportConfig

	// Key is the pre-shared key from the vendor app.
	Key string

	// Discovery configures sub-device resolution.
	Discovery DiscoveryConfig

	// QueueSize bounds the inbound message queue. Default: 256.
	QueueSize int

	// Logger receives engine, registry and transport logs. Optional.
	Logger Logger
}

// EngineStats combines transport and registry counters.
type EngineStats struct {
	Transport           TransportStats `json:"transport"`
	UnknownDeviceMisses uint64         `json:"unknown_device_misses"`
	UnsupportedModes    uint64         `json:"unsupported_modes"`
	CallbackPanics      uint64         `json:"callback_panics"`
	DiscoveryCycles     uint64         `json:"discovery_cycles"`
	AbandonedEntries    uint64         `json:"abandoned_entries"`
	Hubs                int            `json:"hubs"`
	Blinds              int            `json:"blinds"`
	Pending             int            `json:"pending"`
}

// Engine runs the Connector protocol against every hub on the group.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Inbound messages are applied by a single actor goroutine.
//   - Callbacks run on the actor goroutine and may call any Engine method.
type Engine struct {
	opts EngineOptions

	transport *Transport
	registry  *Registry
	disp      *dispatcher
	discovery *discoveryCoordinator

	events chan Message

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	log *logSink
}

// NewEngine wires the transport, registry, dispatcher and discovery.
//
// Parameters:
//   - opts: Engine configuration; zero values take protocol defaults
//
// Returns:
//   - *Engine: Engine ready to Start
//   - error: If the transport configuration is invalid
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	opts.Discovery.applyDefaults()

	transport, err := NewTransport(opts.Transport)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:      opts,
		transport: transport,
		events:    make(chan Message, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      newCloseOnce(),
		log:       &logSink{},
	}

	e.registry = newRegistry(opts.Key, e.log)
	e.disp = &dispatcher{tx: transport, reg: e.registry}
	e.registry.disp = e.disp
	e.discovery = newDiscoveryCoordinator(opts.Discovery, e.registry, func(ctx context.Context, p PendingEntry) error {
		return e.disp.queryDetails(ctx, p, opts.Discovery.UseReadDevice)
	}, e.log, &e.wg)

	transport.SetOnMessage(e.enqueue)
	if opts.Logger != nil {
		e.SetLogger(opts.Logger)
	}

	return e, nil
}

// Start joins the multicast group, starts the actor and sends the device
// list query twice.
//
// A failed join leaves the engine running with a send-only socket; the
// error (wrapping ErrConnectFailed) is returned and ConnectionState reports
// the fault.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	e.wg.Add(1)
	go e.actorLoop()

	joinErr := e.transport.Join(ctx)
	if joinErr != nil {
		e.log.error("multicast join failed", joinErr)
	}

	if err := e.SendDeviceListQuery(ctx); err != nil {
		return errors.Join(joinErr, err)
	}
	if sleepCtx(ctx, deviceListRepeatDelay) {
		if err := e.SendDeviceListQuery(ctx); err != nil {
			e.log.warn("repeat device list query failed", "error", err)
		}
	}

	if joinErr == nil {
		e.log.info("connector engine started")
	}
	return joinErr
}

// Stop shuts the engine down and waits for its goroutines.
// Safe to call multiple times.
func (e *Engine) Stop() {
	e.done.Close()
	_ = e.transport.Close()
	e.discovery.stop()
	e.cancel()
	e.wg.Wait()
	e.log.info("connector engine stopped")
}

// enqueue hands an inbound message to the actor, blocking until there is
// room or the engine stops.
func (e *Engine) enqueue(m Message) {
	select {
	case e.events <- m:
	case <-e.done.Done():
	}
}

func (e *Engine) actorLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done.Done():
			return
		case m := <-e.events:
			e.handle(m)
		}
	}
}

// handle routes one inbound message to the registry.
func (e *Engine) handle(m Message) {
	switch msg := m.(type) {
	case GetDeviceListAck:
		e.registry.onDeviceListAck(msg)
		e.discovery.trigger(e.ctx)
	case ReadDeviceAck:
		e.registry.onDeviceAck(msg.Mac, msg.DeviceType, msg.Data)
	case WriteDeviceAck:
		e.registry.onDeviceAck(msg.Mac, msg.DeviceType, msg.Data)
	case Report:
		e.registry.onReport(msg)
	default:
		e.log.debug("ignoring request echo", "msg_type", m.Type())
	}
}

// SendDeviceListQuery multicasts a GetDeviceList request.
func (e *Engine) SendDeviceListQuery(ctx context.Context) error {
	return e.transport.Send(ctx, GetDeviceList{})
}

// Rediscover clears an access-token fault and starts a fresh discovery
// cycle with a new device list query.
func (e *Engine) Rediscover(ctx context.Context) error {
	e.transport.ClearFault()
	e.discovery.reset()
	e.log.info("rediscovering devices")
	return e.SendDeviceListQuery(ctx)
}

// DeviceListReady waits until the current discovery cycle completes.
//
// Parameters:
//   - ctx: Context for cancellation
//   - timeout: Maximum wait; zero uses the configured ready timeout
//
// Returns:
//   - Snapshot: Hubs, blinds and any abandoned pending entries
//   - error: ErrNotReady if the cycle did not complete in time
func (e *Engine) DeviceListReady(ctx context.Context, timeout time.Duration) (Snapshot, error) {
	if timeout <= 0 {
		timeout = e.opts.Discovery.ReadyTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.discovery.readyChan():
		return e.registry.Snapshot(), nil
	case <-timer.C:
		return Snapshot{}, fmt.Errorf("%w: after %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	case <-e.done.Done():
		return Snapshot{}, fmt.Errorf("%w: engine stopped", ErrNotReady)
	}
}

// Snapshot returns the current hubs, blinds and pending entries.
func (e *Engine) Snapshot() Snapshot { return e.registry.Snapshot() }

// Hubs returns copies of all known hubs.
func (e *Engine) Hubs() []HubState { return e.registry.Hubs() }

// Blinds returns copies of all known blinds.
func (e *Engine) Blinds() []BlindState { return e.registry.Blinds() }

// Pending returns the sub-devices still awaiting detail acks.
func (e *Engine) Pending() []PendingEntry { return e.registry.Pending() }

// Blind returns the live handle for mac, or ErrUnknownDevice.
func (e *Engine) Blind(mac string) (*Blind, error) {
	b, ok := e.registry.Blind(mac)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	return b, nil
}

// Open fully opens the blind with the given mac.
func (e *Engine) Open(ctx context.Context, mac string) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.Open(ctx)
}

// Close fully closes the blind with the given mac.
func (e *Engine) Close(ctx context.Context, mac string) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.Close(ctx)
}

// StopBlind halts the blind with the given mac.
func (e *Engine) StopBlind(ctx context.Context, mac string) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.Stop(ctx)
}

// SetPosition moves the blind with the given mac (0 open, 100 closed).
func (e *Engine) SetPosition(ctx context.Context, mac string, position int) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.SetPosition(ctx, position)
}

// SetAngle tilts the blind with the given mac (0-180).
func (e *Engine) SetAngle(ctx context.Context, mac string, angle int) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.SetAngle(ctx, angle)
}

// UpdateState asks the blind with the given mac to report its state.
func (e *Engine) UpdateState(ctx context.Context, mac string) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return b.UpdateState(ctx)
}

// Execute applies a parsed command to the blind with the given mac.
func (e *Engine) Execute(ctx context.Context, mac string, cmd BlindCommand) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	return cmd.Apply(ctx, b)
}

// UpdateHub asks every two-way blind of a hub to report its state,
// spacing the requests by the inter-request delay.
func (e *Engine) UpdateHub(ctx context.Context, hubMac string) error {
	blinds, err := e.registry.hubBlinds(hubMac)
	if err != nil {
		return err
	}

	var errs []error
	for i, b := range blinds {
		if i > 0 && !sleepCtx(ctx, e.opts.Discovery.InterRequestDelay) {
			errs = append(errs, ctx.Err())
			break
		}
		if err := b.UpdateState(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.mac, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterCallback sets the callback of the blind with the given mac.
func (e *Engine) RegisterCallback(mac string, fn func(BlindState)) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	b.RegisterCallback(fn)
	return nil
}

// RemoveCallback clears the callback of the blind with the given mac.
func (e *Engine) RemoveCallback(mac string) error {
	b, err := e.Blind(mac)
	if err != nil {
		return err
	}
	b.RemoveCallback()
	return nil
}

// SetOnUpdate sets a callback invoked for every blind state change, after
// the blind's own callback. Pass nil to clear it.
func (e *Engine) SetOnUpdate(fn func(BlindState)) {
	e.registry.setListener(fn)
}

// ConnectionState returns the transport state.
func (e *Engine) ConnectionState() ConnectionState {
	s, _ := e.transport.State()
	return s
}

// LastErrorCode returns the code of the last fault, or ErrorCodeNone.
func (e *Engine) LastErrorCode() ErrorCode {
	_, c := e.transport.State()
	return c
}

// IsConnected returns true while the engine receives from the group.
func (e *Engine) IsConnected() bool {
	return e.transport.IsConnected()
}

// HealthCheck returns an error when the engine cannot receive.
func (e *Engine) HealthCheck(_ context.Context) error {
	state, code := e.transport.State()
	switch {
	case state == StateFaulted && code == ErrorCodeAccessToken:
		return ErrAccessToken
	case state == StateFaulted:
		return ErrConnectFailed
	case !e.transport.IsConnected():
		return ErrNotConnected
	}
	return nil
}

// Stats returns current operational statistics.
func (e *Engine) Stats() EngineStats {
	snap := e.registry.Snapshot()
	return EngineStats{
		Transport:           e.transport.Stats(),
		UnknownDeviceMisses: e.registry.unknownMisses.Load(),
		UnsupportedModes:    e.registry.unsupportedModes.Load(),
		CallbackPanics:      e.registry.callbackPanics.Load(),
		DiscoveryCycles:     e.discovery.cycles.Load(),
		AbandonedEntries:    e.discovery.abandoned.Load(),
		Hubs:                len(snap.Hubs),
		Blinds:              len(snap.Blinds),
		Pending:             len(snap.Pending),
	}
}

// SetLogger sets the logger for the engine and its transport.
func (e *Engine) SetLogger(logger Logger) {
	e.log.set(logger)
	e.transport.SetLogger(logger)
}

// logSink is a swappable, nil-safe Logger shared by engine components.
type logSink struct {
	mu     sync.RWMutex
	logger Logger
}

func (s *logSink) set(l Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

func (s *logSink) get() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *logSink) debug(msg string, keysAndValues ...any) {
	if l := s.get(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (s *logSink) info(msg string, keysAndValues ...any) {
	if l := s.get(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *logSink) warn(msg string, keysAndValues ...any) {
	if l := s.get(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (s *logSink) error(msg string, err error, keysAndValues ...any) {
	if l := s.get(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
