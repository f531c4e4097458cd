package connector

import (
	"fmt"
	"sync"
	"time"
)

// Variant distinguishes blinds that report their state from those that do not.
type Variant int

// Blind variants.
const (
	VariantOneWay Variant = iota + 1
	VariantTwoWay
)

// String returns the variant name used in state payloads.
func (v Variant) String() string {
	switch v {
	case VariantOneWay:
		return "one_way"
	case VariantTwoWay:
		return "two_way"
	default:
		return "unknown"
	}
}

// MarshalText encodes the variant by name.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a variant name. Unknown names decode to zero.
func (v *Variant) UnmarshalText(text []byte) error {
	switch string(text) {
	case "one_way":
		*v = VariantOneWay
	case "two_way":
		*v = VariantTwoWay
	default:
		*v = 0
	}
	return nil
}

// Wireless modes advertised by blinds.
const (
	WirelessModeUniDirectional     = 0
	WirelessModeBiDirectional      = 1
	WirelessModeBiDirectionalLimit = 2
	WirelessModeOthers             = 3
	WirelessModeBiDirectionalOther = 4

	// wirelessModeNone marks direct Wi-Fi motors, which report no mode.
	wirelessModeNone = -1
)

// variantForWirelessMode maps a wireless mode onto a blind variant.
// The second return is false for modes with no variant.
func variantForWirelessMode(mode int) (Variant, bool) {
	switch mode {
	case WirelessModeUniDirectional, WirelessModeBiDirectionalLimit:
		return VariantOneWay, true
	case WirelessModeBiDirectional, WirelessModeOthers, WirelessModeBiDirectionalOther:
		return VariantTwoWay, true
	default:
		return 0, false
	}
}

// Blind type codes (the "type" field of device data).
const (
	BlindTypeVenetian = 2
)

// Position and angle limits in protocol units.
const (
	PositionOpen   = 0
	PositionClosed = 100
	AngleMin       = 0
	AngleMax       = 180
)

// BlindState is a point-in-time copy of a blind.
type BlindState struct {
	Mac          string    `json:"mac"`
	DeviceType   string    `json:"device_type"`
	HubMac       string    `json:"hub_mac,omitempty"`
	Variant      Variant   `json:"variant"`
	WirelessMode int       `json:"wireless_mode"`
	BlindType    int       `json:"blind_type,omitempty"`
	Position     int       `json:"position"`
	Angle        int       `json:"angle"`
	HasPosition  bool      `json:"has_position"`
	HasAngle     bool      `json:"has_angle"`
	Opening      bool      `json:"opening"`
	Closing      bool      `json:"closing"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	RSSI         *int      `json:"rssi,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsClosed reports whether a two-way blind is fully closed.
func (s BlindState) IsClosed() bool {
	return s.Variant == VariantTwoWay && s.HasPosition && s.Position == PositionClosed
}

// IsVenetian reports whether the blind has tiltable slats.
func (s BlindState) IsVenetian() bool {
	return s.BlindType == BlindTypeVenetian
}

// subscription holds one callback. The pointer identifies it for unsubscribe.
type subscription struct {
	fn func(BlindState)
}

// Blind is a live handle to one window covering.
//
// Fields are guarded by the owning registry's lock; use State for a copy.
// Command methods are safe for concurrent use and may be called from a
// callback.
type Blind struct {
	reg  *Registry
	disp *dispatcher

	mac        string
	deviceType string
	hub        *Hub   // nil for direct Wi-Fi motors
	token      string // Wi-Fi motors hold their own access token
	variant    Variant

	wirelessMode int
	blindType    int
	position     int
	angle        int
	hasPosition  bool
	hasAngle     bool
	opening      bool
	closing      bool
	movingSeq    uint64 // bumped on every change to opening/closing
	batteryLevel *int
	rssi         *int
	updatedAt    time.Time

	cbMu sync.Mutex
	sub  *subscription
}

// Mac returns the blind's mac.
func (b *Blind) Mac() string { return b.mac }

// Variant returns whether the blind is one-way or two-way.
func (b *Blind) Variant() Variant { return b.variant }

// State returns a copy of the blind's current fields.
func (b *Blind) State() BlindState {
	b.reg.mu.RLock()
	defer b.reg.mu.RUnlock()
	return b.stateLocked()
}

func (b *Blind) stateLocked() BlindState {
	st := BlindState{
		Mac:          b.mac,
		DeviceType:   b.deviceType,
		Variant:      b.variant,
		WirelessMode: b.wirelessMode,
		BlindType:    b.blindType,
		Position:     b.position,
		Angle:        b.angle,
		HasPosition:  b.hasPosition,
		HasAngle:     b.hasAngle,
		Opening:      b.opening,
		Closing:      b.closing,
		BatteryLevel: b.batteryLevel,
		RSSI:         b.rssi,
		UpdatedAt:    b.updatedAt,
	}
	if b.hub != nil {
		st.HubMac = b.hub.mac
	}
	return st
}

// accessTokenLocked resolves the token to send with a request.
// Children use their hub's current token.
func (b *Blind) accessTokenLocked() string {
	if b.hub != nil {
		return b.hub.accessToken
	}
	return b.token
}

// applyData copies the fields present in d. Caller holds the write lock.
// It reports whether position or angle data was present. A wireless mode
// that does not select the blind's variant is left out and returned as
// ErrUnsupportedWirelessMode; the other fields still apply.
func (b *Blind) applyData(d DeviceData) (moved bool, err error) {
	if d.WirelessMode != nil {
		if v, ok := variantForWirelessMode(*d.WirelessMode); ok && v == b.variant {
			b.wirelessMode = *d.WirelessMode
		} else {
			err = fmt.Errorf("%w: mode %d on %s blind %s", ErrUnsupportedWirelessMode, *d.WirelessMode, b.variant, b.mac)
		}
	}
	if d.Type != nil {
		b.blindType = *d.Type
	}
	if d.BatteryLevel != nil {
		b.batteryLevel = intPtr(*d.BatteryLevel)
	}
	if d.RSSI != nil {
		b.rssi = intPtr(*d.RSSI)
	}

	if b.variant == VariantTwoWay {
		if d.CurrentPosition != nil {
			b.position = clamp(*d.CurrentPosition, PositionOpen, PositionClosed)
			b.hasPosition = true
			moved = true
		}
		if d.CurrentAngle != nil {
			b.angle = clamp(*d.CurrentAngle, AngleMin, AngleMax)
			b.hasAngle = true
			moved = true
		}
	}
	b.updatedAt = time.Now()
	return moved, err
}

// Subscribe sets the blind's callback, replacing any previous one.
// The returned func removes the callback only if it is still the current one.
// A nil fn clears the slot.
func (b *Blind) Subscribe(fn func(BlindState)) (unsubscribe func()) {
	if fn == nil {
		b.RemoveCallback()
		return func() {}
	}

	s := &subscription{fn: fn}
	b.cbMu.Lock()
	b.sub = s
	b.cbMu.Unlock()

	return func() {
		b.cbMu.Lock()
		if b.sub == s {
			b.sub = nil
		}
		b.cbMu.Unlock()
	}
}

// RegisterCallback sets the blind's callback.
func (b *Blind) RegisterCallback(fn func(BlindState)) {
	b.Subscribe(fn)
}

// RemoveCallback clears the blind's callback.
func (b *Blind) RemoveCallback() {
	b.cbMu.Lock()
	b.sub = nil
	b.cbMu.Unlock()
}

func (b *Blind) currentSubscription() *subscription {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	return b.sub
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
