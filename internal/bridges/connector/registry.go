package connector

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// PendingEntry is a sub-device still waiting for its detail ack.
type PendingEntry struct {
	Mac        string `json:"mac"`
	DeviceType string `json:"device_type"`
}

// Snapshot is a consistent copy of the registry.
type Snapshot struct {
	Hubs    []HubState     `json:"hubs"`
	Blinds  []BlindState   `json:"blinds"`
	Pending []PendingEntry `json:"pending"`
}

// Registry holds hubs, blinds and the discovery queue.
//
// Thread Safety:
//   - Message handlers (onDeviceListAck, onDeviceAck, onReport) are called
//     only from the engine's actor goroutine.
//   - Readers take the read lock and receive copies.
//   - Callbacks run after the lock is released, so they may call back into
//     the registry or issue commands.
type Registry struct {
	mu      sync.RWMutex
	key     string
	hubs    map[string]*Hub
	motors  map[string]*Blind
	pending []PendingEntry

	disp *dispatcher
	log  *logSink

	listenerMu sync.RWMutex
	onUpdate   func(BlindState)

	unknownMisses    atomic.Uint64
	unsupportedModes atomic.Uint64
	callbackPanics   atomic.Uint64
}

func newRegistry(key string, log *logSink) *Registry {
	return &Registry{
		key:    key,
		hubs:   make(map[string]*Hub),
		motors: make(map[string]*Blind),
		log:    log,
	}
}

// onDeviceListAck records a hub (or Wi-Fi motor) and queues its blinds for
// discovery. A Wi-Fi motor is complete as announced and is never queued.
// Known devices are kept; the access token is replaced.
func (r *Registry) onDeviceListAck(ack GetDeviceListAck) {
	accessToken, err := DeriveAccessToken(ack.Token, r.key)
	if err != nil {
		r.log.warn("access token unavailable", "mac", ack.Mac, "error", err)
	}

	r.mu.Lock()

	if IsWiFiMotorDeviceType(ack.DeviceType) {
		b, known := r.motors[ack.Mac]
		if !known {
			b = r.newBlindLocked(ack.Mac, ack.DeviceType, nil, VariantTwoWay, wirelessModeNone)
			r.motors[ack.Mac] = b
		}
		b.deviceType = ack.DeviceType
		b.token = accessToken
		b.updatedAt = time.Now()
		r.mu.Unlock()

		r.log.info("wifi motor announced", "mac", ack.Mac, "device_type", ack.DeviceType, "new", !known)
		return
	}

	hub, known := r.hubs[ack.Mac]
	if !known {
		hub = newHub(ack.Mac)
		r.hubs[ack.Mac] = hub
	}
	hub.deviceType = ack.DeviceType
	hub.fwVersion = ack.FwVersion
	hub.token = ack.Token
	hub.accessToken = accessToken
	hub.entries = slices.Clone(ack.Devices)
	hub.updatedAt = time.Now()

	queued := 0
	for _, entry := range ack.Devices {
		if !IsBlindDeviceType(entry.DeviceType) {
			continue
		}
		if r.enqueueLocked(PendingEntry{Mac: entry.Mac, DeviceType: entry.DeviceType}) {
			queued++
		}
	}
	r.mu.Unlock()

	r.log.info("device list received",
		"hub", ack.Mac,
		"fw_version", ack.FwVersion,
		"devices", len(ack.Devices),
		"queued", queued,
		"new", !known,
	)
}

// onDeviceAck applies a ReadDeviceAck or WriteDeviceAck.
// An unseen child of a known hub is created with the variant its wireless
// mode selects.
func (r *Registry) onDeviceAck(mac, deviceType string, data DeviceData) {
	r.mu.Lock()
	r.removePendingLocked(PendingEntry{Mac: mac, DeviceType: deviceType})

	b, created, err := r.resolveForAckLocked(mac, deviceType, data)
	if err != nil {
		r.mu.Unlock()
		r.recordMiss(err, mac, deviceType)
		return
	}
	if b == nil {
		// Ack for the hub itself.
		r.mu.Unlock()
		return
	}

	if deviceType != "" {
		b.deviceType = deviceType
	}
	moved, modeErr := b.applyData(data)
	st := b.stateLocked()
	r.mu.Unlock()

	if modeErr != nil {
		r.ignoreMode(modeErr, mac, deviceType)
	}

	if created {
		r.log.info("blind discovered",
			"mac", st.Mac,
			"hub", st.HubMac,
			"variant", st.Variant.String(),
			"wireless_mode", st.WirelessMode,
		)
	}
	if moved {
		r.notify(b, st)
	}
}

// resolveForAckLocked finds or creates the blind an ack refers to.
// It returns a nil blind without error for acks about the hub itself.
func (r *Registry) resolveForAckLocked(mac, deviceType string, data DeviceData) (*Blind, bool, error) {
	if b, ok := r.motors[mac]; ok {
		return b, false, nil
	}

	hubMac, ok := hubMacOf(mac)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownDevice, mac)
	}
	hub, ok := r.hubs[hubMac]
	if !ok {
		return nil, false, fmt.Errorf("%w: no hub for %s", ErrUnknownDevice, mac)
	}
	if mac == hub.mac {
		return nil, false, nil
	}

	if b, ok := hub.blinds[mac]; ok {
		return b, false, nil
	}

	if data.WirelessMode == nil {
		return nil, false, fmt.Errorf("%w: %s has no wireless mode", ErrUnsupportedWirelessMode, mac)
	}
	variant, ok := variantForWirelessMode(*data.WirelessMode)
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedWirelessMode, *data.WirelessMode)
	}

	b := r.newBlindLocked(mac, deviceType, hub, variant, *data.WirelessMode)
	hub.blinds[mac] = b
	return b, true, nil
}

// onReport applies a pushed state update. Unknown macs are counted and
// never create entities.
func (r *Registry) onReport(rep Report) {
	r.mu.Lock()
	b := r.lookupLocked(rep.Mac)
	if b == nil {
		r.mu.Unlock()
		r.recordMiss(fmt.Errorf("%w: report from %s", ErrUnknownDevice, rep.Mac), rep.Mac, rep.DeviceType)
		return
	}

	_, modeErr := b.applyData(rep.Data)
	b.opening = false
	b.closing = false
	b.movingSeq++
	st := b.stateLocked()
	r.mu.Unlock()

	if modeErr != nil {
		r.ignoreMode(modeErr, rep.Mac, rep.DeviceType)
	}

	r.notify(b, st)
}

func (r *Registry) recordMiss(err error, mac, deviceType string) {
	switch {
	case errors.Is(err, ErrUnsupportedWirelessMode):
		r.unsupportedModes.Add(1)
		r.log.warn("blind not created", "mac", mac, "device_type", deviceType, "error", err)
	default:
		r.unknownMisses.Add(1)
		r.log.warn("unknown device", "mac", mac, "device_type", deviceType, "error", err)
	}
}

// ignoreMode counts a wireless mode that disagrees with a known blind.
func (r *Registry) ignoreMode(err error, mac, deviceType string) {
	r.unsupportedModes.Add(1)
	r.log.warn("wireless mode ignored", "mac", mac, "device_type", deviceType, "error", err)
}

func (r *Registry) newBlindLocked(mac, deviceType string, hub *Hub, variant Variant, mode int) *Blind {
	return &Blind{
		reg:          r,
		disp:         r.disp,
		mac:          mac,
		deviceType:   deviceType,
		hub:          hub,
		variant:      variant,
		wirelessMode: mode,
		updatedAt:    time.Now(),
	}
}

func (r *Registry) lookupLocked(mac string) *Blind {
	if b, ok := r.motors[mac]; ok {
		return b
	}
	hubMac, ok := hubMacOf(mac)
	if !ok {
		return nil
	}
	if hub, ok := r.hubs[hubMac]; ok {
		return hub.blinds[mac]
	}
	return nil
}

// enqueueLocked adds e unless an equal entry is already pending.
func (r *Registry) enqueueLocked(e PendingEntry) bool {
	if slices.Contains(r.pending, e) {
		return false
	}
	r.pending = append(r.pending, e)
	return true
}

func (r *Registry) removePendingLocked(e PendingEntry) {
	r.pending = slices.DeleteFunc(r.pending, func(p PendingEntry) bool { return p == e })
}

// markMoving records the direction of a command about to be sent. The
// returned func restores the previous flags unless a Report or another
// command has changed them since.
func (r *Registry) markMoving(b *Blind, opening, closing bool) (undo func()) {
	r.mu.Lock()
	prevOpening, prevClosing := b.opening, b.closing
	b.movingSeq++
	seq := b.movingSeq
	b.opening = opening
	b.closing = closing
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if b.movingSeq != seq {
			return
		}
		b.movingSeq++
		b.opening = prevOpening
		b.closing = prevClosing
	}
}

// notify runs the blind's callback and then the registry-wide listener.
func (r *Registry) notify(b *Blind, st BlindState) {
	if sub := b.currentSubscription(); sub != nil {
		r.runCallback("blind", sub.fn, st)
	} else {
		r.log.debug("no callback registered", "mac", st.Mac)
	}

	r.listenerMu.RLock()
	listener := r.onUpdate
	r.listenerMu.RUnlock()

	if listener != nil {
		r.runCallback("listener", listener, st)
	}
}

func (r *Registry) runCallback(kind string, fn func(BlindState), st BlindState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.callbackPanics.Add(1)
			r.log.error("callback panic", fmt.Errorf("%v", rec), "mac", st.Mac, "callback", kind)
		}
	}()
	fn(st)
}

// setListener sets a callback invoked for every blind update.
func (r *Registry) setListener(fn func(BlindState)) {
	r.listenerMu.Lock()
	r.onUpdate = fn
	r.listenerMu.Unlock()
}

// Blind returns the live handle for mac.
func (r *Registry) Blind(mac string) (*Blind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.lookupLocked(mac)
	return b, b != nil
}

// Hubs returns copies of all hubs ordered by mac.
func (r *Registry) Hubs() []HubState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hubsLocked()
}

func (r *Registry) hubsLocked() []HubState {
	states := lo.MapToSlice(r.hubs, func(_ string, h *Hub) HubState { return h.stateLocked() })
	slices.SortFunc(states, func(a, b HubState) int { return cmp.Compare(a.Mac, b.Mac) })
	return states
}

// Blinds returns copies of all blinds, hub children and Wi-Fi motors,
// ordered by mac.
func (r *Registry) Blinds() []BlindState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blindsLocked()
}

func (r *Registry) blindsLocked() []BlindState {
	states := lo.Map(r.allBlindsLocked(), func(b *Blind, _ int) BlindState { return b.stateLocked() })
	slices.SortFunc(states, func(a, b BlindState) int { return cmp.Compare(a.Mac, b.Mac) })
	return states
}

func (r *Registry) allBlindsLocked() []*Blind {
	children := lo.FlatMap(lo.Values(r.hubs), func(h *Hub, _ int) []*Blind { return lo.Values(h.blinds) })
	return append(children, lo.Values(r.motors)...)
}

// hubBlinds returns the two-way children of a hub ordered by mac.
func (r *Registry) hubBlinds(hubMac string) ([]*Blind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hub, ok := r.hubs[hubMac]
	if !ok {
		return nil, fmt.Errorf("%w: hub %s", ErrUnknownDevice, hubMac)
	}
	blinds := lo.Filter(lo.Values(hub.blinds), func(b *Blind, _ int) bool { return b.variant == VariantTwoWay })
	slices.SortFunc(blinds, func(a, b *Blind) int { return cmp.Compare(a.mac, b.mac) })
	return blinds, nil
}

// Pending returns a copy of the discovery queue.
func (r *Registry) Pending() []PendingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pending)
}

// Snapshot returns hubs, blinds and pending entries under one lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Hubs:    r.hubsLocked(),
		Blinds:  r.blindsLocked(),
		Pending: slices.Clone(r.pending),
	}
}

// accessTokenFor resolves the token for a request to mac.
func (r *Registry) accessTokenFor(mac string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.motors[mac]; ok {
		return b.token, true
	}
	hubMac, ok := hubMacOf(mac)
	if !ok {
		return "", false
	}
	hub, ok := r.hubs[hubMac]
	if !ok {
		return "", false
	}
	return hub.accessToken, true
}
