package connector

import (
	"slices"
	"time"
)

// Device type codes.
const (
	DeviceTypeHub = "02000001"
)

// blindDeviceTypes are sub-device types resolved through discovery.
var blindDeviceTypes = []string{"10000000", "10000002", "10000011"}

// wifiMotorDeviceTypes are motors that answer GetDeviceList themselves,
// without a hub.
var wifiMotorDeviceTypes = []string{"22000000", "22000002", "22000005"}

// IsBlindDeviceType reports whether a sub-device type is a blind.
func IsBlindDeviceType(deviceType string) bool {
	return slices.Contains(blindDeviceTypes, deviceType)
}

// IsWiFiMotorDeviceType reports whether a device type is a direct Wi-Fi motor.
func IsWiFiMotorDeviceType(deviceType string) bool {
	return slices.Contains(wifiMotorDeviceTypes, deviceType)
}

// hubMacLength is the number of hex characters in a hub mac. A child mac
// starts with its hub's mac.
const hubMacLength = 12

// hubMacOf returns the hub prefix of a child mac.
func hubMacOf(mac string) (string, bool) {
	if len(mac) < hubMacLength {
		return "", false
	}
	return mac[:hubMacLength], true
}

// Hub is a bridge device that owns radio blinds.
// Fields are guarded by the owning registry's lock.
type Hub struct {
	mac         string
	deviceType  string
	fwVersion   string
	token       string
	accessToken string
	entries     []DeviceEntry
	blinds      map[string]*Blind
	updatedAt   time.Time
}

// HubState is a point-in-time copy of a hub.
type HubState struct {
	Mac            string        `json:"mac"`
	DeviceType     string        `json:"device_type"`
	FwVersion      string        `json:"fw_version,omitempty"`
	HasAccessToken bool          `json:"has_access_token"`
	Blinds         []string      `json:"blinds"`
	Entries        []DeviceEntry `json:"entries,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func newHub(mac string) *Hub {
	return &Hub{
		mac:    mac,
		blinds: make(map[string]*Blind),
	}
}

func (h *Hub) stateLocked() HubState {
	macs := make([]string, 0, len(h.blinds))
	for mac := range h.blinds {
		macs = append(macs, mac)
	}
	slices.Sort(macs)

	return HubState{
		Mac:            h.mac,
		DeviceType:     h.deviceType,
		FwVersion:      h.fwVersion,
		HasAccessToken: h.accessToken != "",
		Blinds:         macs,
		Entries:        slices.Clone(h.entries),
		UpdatedAt:      h.updatedAt,
	}
}
