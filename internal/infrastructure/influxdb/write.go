package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
)

// Measurement names.
const (
	measurementBlindState = "blind_state"
	measurementBridge     = "connector_bridge"
)

// RecordBlindState writes one blind state point. It satisfies
// connector.StateRecorder, so the bridge records every state it publishes.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Positions are stored as percent open, matching the MQTT state payload.
func (c *Client) RecordBlindState(st connector.BlindState) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(blindStatePoint(st, time.Now()))
}

// WriteBridgeStats writes the engine counters as one point.
//
// Example:
//
//	client.WriteBridgeStats(engine.Stats())
func (c *Client) WriteBridgeStats(stats connector.EngineStats) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(bridgeStatsPoint(stats, time.Now()))
}

func blindStatePoint(st connector.BlindState, now time.Time) *write.Point {
	tags := map[string]string{
		"mac":     st.Mac,
		"variant": st.Variant.String(),
	}
	if st.HubMac != "" {
		tags["hub"] = st.HubMac
	}

	fields := map[string]interface{}{
		"moving": st.Opening || st.Closing,
	}
	if st.HasPosition {
		fields["position"] = connector.PercentOpen(st.Position)
		fields["closed"] = st.IsClosed()
	}
	if st.HasAngle {
		fields["tilt"] = st.Angle
	}
	if st.BatteryLevel != nil {
		fields["battery_level"] = *st.BatteryLevel
	}
	if st.RSSI != nil {
		fields["rssi"] = *st.RSSI
	}

	ts := st.UpdatedAt
	if ts.IsZero() {
		ts = now
	}
	return write.NewPoint(measurementBlindState, tags, fields, ts)
}

func bridgeStatsPoint(stats connector.EngineStats, now time.Time) *write.Point {
	return write.NewPoint(
		measurementBridge,
		map[string]string{"bridge": connector.ProtocolName},
		map[string]interface{}{
			"hubs":                  stats.Hubs,
			"blinds":                stats.Blinds,
			"pending":               stats.Pending,
			"datagrams_rx":          stats.Transport.DatagramsRx,
			"datagrams_tx":          stats.Transport.DatagramsTx,
			"send_timeouts":         stats.Transport.SendTimeouts,
			"decode_errors":         stats.Transport.DecodeErrors,
			"unknown_device_misses": stats.UnknownDeviceMisses,
			"unsupported_modes":     stats.UnsupportedModes,
			"callback_panics":       stats.CallbackPanics,
		},
		now,
	)
}
