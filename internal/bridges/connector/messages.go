package connector

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Connector
// bridge. They follow the bridge interface used by every Gray Logic bridge.

// ProtocolName identifies this bridge in topics and payloads.
const ProtocolName = "connector"

// CommandMessage is sent from Core to Bridge to execute a blind command.
// Topic: graylogic/command/connector/{mac}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is the command name ("open", "close", "stop", "set_position",
	// "set_tilt", "refresh").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"position": 75} for set_position (percent open)
	//   {"tilt": 90} for set_tilt (degrees)
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was sent to the hub.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the hub did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/connector/{mac}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when a blind reports new state.
// Topic: graylogic/state/connector/{mac}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the Gray Logic device identifier (the blind mac).
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State holds position (percent open), tilt, closed, moving,
	// wireless_mode and variant.
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/connector
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the multicast socket state.
type ConnectionStatus struct {
	// Status is the transport state ("listening", "faulted", ...).
	Status string `json:"status"`

	// ErrorCode is 1000 when healthy, 1001 for a rejected access token and
	// 1002 for socket errors.
	ErrorCode int `json:"error_code"`

	// Address is the multicast group.
	Address string `json:"address"`

	// LastActivity is when a datagram was last sent or received.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	MessagesReceived    uint64 `json:"messages_received"`
	MessagesSent        uint64 `json:"messages_sent"`
	SendTimeouts        uint64 `json:"send_timeouts"`
	DecodeErrors        uint64 `json:"decode_errors"`
	UnknownDeviceMisses uint64 `json:"unknown_device_misses"`
	UnsupportedModes    uint64 `json:"unsupported_modes"`
	PendingDiscovery    int    `json:"pending_discovery"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/connector/{request_id}
type RequestMessage struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"` // "read_state", "read_all", "discover"
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/connector/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DiscoveryMessage announces the blinds found on the network.
// Topic: graylogic/discovery/connector
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents a blind found during discovery.
type DiscoveredDevice struct {
	Protocol      string   `json:"protocol"`
	Address       string   `json:"address"`
	Type          string   `json:"type"`
	Capabilities  []string `json:"capabilities"`
	Hub           string   `json:"hub,omitempty"`
	SuggestedName string   `json:"suggested_name,omitempty"`
}

// MarshalJSON marshals a CommandMessage with an RFC3339 timestamp.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage, accepting an empty timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, mac string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  ProtocolName,
		Address:   mac,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, mac, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status, mac)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage builds the state payload for a blind.
// Positions are converted to percent open.
func NewStateMessage(st BlindState) StateMessage {
	return StateMessage{
		DeviceID:  st.Mac,
		Timestamp: time.Now().UTC(),
		State:     blindStateMap(st),
		Protocol:  ProtocolName,
		Address:   st.Mac,
	}
}

func blindStateMap(st BlindState) map[string]any {
	state := map[string]any{
		"variant":       st.Variant.String(),
		"wireless_mode": st.WirelessMode,
		"moving":        st.Opening || st.Closing,
	}
	if st.HasPosition {
		state["position"] = PercentOpen(st.Position)
		state["closed"] = st.IsClosed()
	}
	if st.HasAngle {
		state["tilt"] = st.Angle
	}
	if st.Opening {
		state["direction"] = "opening"
	} else if st.Closing {
		state["direction"] = "closing"
	}
	if st.BatteryLevel != nil {
		state["battery_level"] = *st.BatteryLevel
	}
	if st.RSSI != nil {
		state["rssi"] = *st.RSSI
	}
	return state
}

// PercentOpen converts a protocol position (0 open, 100 closed) to the
// Gray Logic percent-open convention. The conversion is its own inverse.
func PercentOpen(position int) int {
	return PositionClosed - position
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(version string, status HealthStatus, state ConnectionState, code ErrorCode,
	group string, stats EngineStats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         ProtocolName,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: stats.Blinds,
	}

	conn := &ConnectionStatus{
		Status:    state.String(),
		ErrorCode: int(code),
		Address:   group,
	}
	if last := stats.Transport.LastActivity; !last.IsZero() && last.Unix() > 0 {
		conn.LastActivity = &last
	}
	msg.Connection = conn

	msg.Statistics = &BridgeStatistics{
		MessagesReceived:    stats.Transport.DatagramsRx,
		MessagesSent:        stats.Transport.DatagramsTx,
		SendTimeouts:        stats.Transport.SendTimeouts,
		DecodeErrors:        stats.Transport.DecodeErrors,
		UnknownDeviceMisses: stats.UnknownDeviceMisses,
		UnsupportedModes:    stats.UnsupportedModes,
		PendingDiscovery:    stats.Pending,
	}

	return msg
}

// NewLWTMessage creates the Last Will and Testament payload published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage() HealthMessage {
	return HealthMessage{
		Bridge:    ProtocolName,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// NewDiscoveryMessage lists the known blinds.
func NewDiscoveryMessage(blinds []BlindState) DiscoveryMessage {
	devices := make([]DiscoveredDevice, 0, len(blinds))
	for _, b := range blinds {
		caps := []string{"open", "close", "stop"}
		if b.Variant == VariantTwoWay {
			caps = append(caps, "position", "refresh")
			if b.IsVenetian() {
				caps = append(caps, "tilt")
			}
		}
		devices = append(devices, DiscoveredDevice{
			Protocol:      ProtocolName,
			Address:       b.Mac,
			Type:          "blind",
			Capabilities:  caps,
			Hub:           b.HubMac,
			SuggestedName: "Blind " + b.Mac,
		})
	}
	return DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    ProtocolName,
		Devices:   devices,
	}
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Gray Logic messages.
	TopicPrefix = "graylogic"
)

// CommandTopic returns the MQTT topic for commands to a blind.
// Example: graylogic/command/connector/aabbccddeeff0001
func CommandTopic(mac string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, ProtocolName, mac)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(mac string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, ProtocolName, mac)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(mac string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, ProtocolName, mac)
}

// HealthTopic returns the MQTT topic for health status.
// Example: graylogic/health/connector
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, ProtocolName)
}

// RequestTopic returns the MQTT topic for requests.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, ProtocolName, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, ProtocolName, requestID)
}

// DiscoveryTopic returns the MQTT topic for device discovery.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, ProtocolName)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, ProtocolName)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, ProtocolName)
}
