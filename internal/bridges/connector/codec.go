package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MsgType identifies a protocol message kind (the "msgType" field).
type MsgType string

// Protocol message kinds.
const (
	MsgGetDeviceList    MsgType = "GetDeviceList"
	MsgGetDeviceListAck MsgType = "GetDeviceListAck"
	MsgReadDevice       MsgType = "ReadDevice"
	MsgReadDeviceAck    MsgType = "ReadDeviceAck"
	MsgWriteDevice      MsgType = "WriteDevice"
	MsgWriteDeviceAck   MsgType = "WriteDeviceAck"
	MsgReport           MsgType = "Report"
)

// actionResultTokenError is the actionResult a hub sends when it rejects
// the AccessToken of a request.
const actionResultTokenError = "AccessToken error"

// messageIDLength is the length of a generated msgID.
const messageIDLength = 17

// Message is one protocol message. The concrete types below form a closed set.
type Message interface {
	Type() MsgType
}

// DeviceEntry is one sub-device summary in a GetDeviceListAck.
type DeviceEntry struct {
	Mac             string `json:"mac"`
	DeviceType      string `json:"deviceType"`
	WirelessMode    *int   `json:"wirelessMode,omitempty"`
	CurrentPosition *int   `json:"currentPosition,omitempty"`
	CurrentAngle    *int   `json:"currentAngle,omitempty"`
}

// DeviceData is the "data" object of acks and reports.
// Fields are pointers so absent values can be told apart from zero.
type DeviceData struct {
	Type            *int `json:"type,omitempty"`
	WirelessMode    *int `json:"wirelessMode,omitempty"`
	CurrentPosition *int `json:"currentPosition,omitempty"`
	CurrentAngle    *int `json:"currentAngle,omitempty"`
	BatteryLevel    *int `json:"batteryLevel,omitempty"`
	RSSI            *int `json:"RSSI,omitempty"`
}

// Operation is the "data" object of a WriteDevice request.
// Exactly one field is set.
type Operation struct {
	Operation      *int `json:"operation,omitempty"`
	TargetPosition *int `json:"targetPosition,omitempty"`
	TargetAngle    *int `json:"targetAngle,omitempty"`
}

// GetDeviceList asks every hub on the group to announce itself.
type GetDeviceList struct {
	MsgID string
}

// GetDeviceListAck is a hub (or direct Wi-Fi motor) announcing itself and
// its sub-devices.
type GetDeviceListAck struct {
	Mac        string
	DeviceType string
	Token      string
	FwVersion  string
	Devices    []DeviceEntry
}

// ReadDevice requests the details of one device.
type ReadDevice struct {
	MsgID       string
	Mac         string
	DeviceType  string
	AccessToken string
}

// WriteDevice sends an operation to one device.
type WriteDevice struct {
	MsgID       string
	Mac         string
	DeviceType  string
	AccessToken string
	Data        Operation
}

// ReadDeviceAck carries device details in reply to ReadDevice.
type ReadDeviceAck struct {
	Mac        string
	DeviceType string
	Data       DeviceData
}

// WriteDeviceAck carries device details in reply to WriteDevice.
type WriteDeviceAck struct {
	Mac        string
	DeviceType string
	Data       DeviceData
}

// Report is an unsolicited state push from a device.
type Report struct {
	Mac        string
	DeviceType string
	Data       DeviceData
}

func (GetDeviceList) Type() MsgType    { return MsgGetDeviceList }
func (GetDeviceListAck) Type() MsgType { return MsgGetDeviceListAck }
func (ReadDevice) Type() MsgType       { return MsgReadDevice }
func (WriteDevice) Type() MsgType      { return MsgWriteDevice }
func (ReadDeviceAck) Type() MsgType    { return MsgReadDeviceAck }
func (WriteDeviceAck) Type() MsgType   { return MsgWriteDeviceAck }
func (Report) Type() MsgType           { return MsgReport }

// envelope is the flat JSON shape shared by every message kind.
type envelope struct {
	MsgType         MsgType         `json:"msgType"`
	MsgID           string          `json:"msgID,omitempty"`
	Mac             string          `json:"mac,omitempty"`
	DeviceType      string          `json:"deviceType,omitempty"`
	Token           string          `json:"token,omitempty"`
	FwVersion       string          `json:"fwVersion,omitempty"`
	ProtocolVersion string          `json:"ProtocolVersion,omitempty"`
	AccessToken     string          `json:"AccessToken,omitempty"`
	ActionResult    string          `json:"actionResult,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NewMessageID returns a 17 character id derived from t:
// YYYYMMDDhhmmss followed by milliseconds.
//
// Ids are correlation hints only; two calls in the same millisecond
// return the same id.
func NewMessageID(t time.Time) string {
	id := t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
	return id[:messageIDLength]
}

// Encode serialises a message to its UTF-8 JSON wire form.
// Outbound kinds without a MsgID get one generated from the current time.
func Encode(m Message) ([]byte, error) {
	env := envelope{MsgType: m.Type()}

	var data any
	switch msg := m.(type) {
	case GetDeviceList:
		env.MsgID = orNewID(msg.MsgID)
	case ReadDevice:
		env.MsgID = orNewID(msg.MsgID)
		env.Mac = msg.Mac
		env.DeviceType = msg.DeviceType
		env.AccessToken = msg.AccessToken
	case WriteDevice:
		env.MsgID = orNewID(msg.MsgID)
		env.Mac = msg.Mac
		env.DeviceType = msg.DeviceType
		env.AccessToken = msg.AccessToken
		data = msg.Data
	case GetDeviceListAck:
		env.Mac = msg.Mac
		env.DeviceType = msg.DeviceType
		env.Token = msg.Token
		env.FwVersion = msg.FwVersion
		devices := msg.Devices
		if devices == nil {
			devices = []DeviceEntry{}
		}
		data = devices
	case ReadDeviceAck:
		env.Mac, env.DeviceType, data = msg.Mac, msg.DeviceType, msg.Data
	case WriteDeviceAck:
		env.Mac, env.DeviceType, data = msg.Mac, msg.DeviceType, msg.Data
	case Report:
		env.Mac, env.DeviceType, data = msg.Mac, msg.DeviceType, msg.Data
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, m)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", env.MsgType, err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", env.MsgType, err)
	}
	return out, nil
}

// Decode parses a datagram into a typed message.
//
// Returns:
//   - Message: The decoded message
//   - error: ErrDecode for malformed JSON, ErrUnknownMessageType for kinds
//     outside the protocol, ErrAccessToken when the hub rejected the token
//     (the message is still returned when its kind is known)
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.MsgType == "" {
		return nil, fmt.Errorf("%w: missing msgType", ErrDecode)
	}

	msg, err := decodeEnvelope(env)
	if env.ActionResult == actionResultTokenError {
		if errors.Is(err, ErrDecode) {
			msg = nil
		}
		return msg, fmt.Errorf("%w: %s from %s", ErrAccessToken, env.MsgType, env.Mac)
	}
	return msg, err
}

func decodeEnvelope(env envelope) (Message, error) {
	switch env.MsgType {
	case MsgGetDeviceList:
		return GetDeviceList{MsgID: env.MsgID}, nil

	case MsgGetDeviceListAck:
		ack := GetDeviceListAck{
			Mac:        env.Mac,
			DeviceType: env.DeviceType,
			Token:      env.Token,
			FwVersion:  env.FwVersion,
		}
		if ack.FwVersion == "" {
			ack.FwVersion = env.ProtocolVersion
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ack.Devices); err != nil {
				return nil, fmt.Errorf("%w: %s data: %w", ErrDecode, env.MsgType, err)
			}
		}
		return ack, nil

	case MsgReadDevice:
		return ReadDevice{MsgID: env.MsgID, Mac: env.Mac, DeviceType: env.DeviceType, AccessToken: env.AccessToken}, nil

	case MsgWriteDevice:
		w := WriteDevice{MsgID: env.MsgID, Mac: env.Mac, DeviceType: env.DeviceType, AccessToken: env.AccessToken}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &w.Data); err != nil {
				return nil, fmt.Errorf("%w: %s data: %w", ErrDecode, env.MsgType, err)
			}
		}
		return w, nil

	case MsgReadDeviceAck, MsgWriteDeviceAck, MsgReport:
		var data DeviceData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("%w: %s data: %w", ErrDecode, env.MsgType, err)
			}
		}
		switch env.MsgType {
		case MsgReadDeviceAck:
			return ReadDeviceAck{Mac: env.Mac, DeviceType: env.DeviceType, Data: data}, nil
		case MsgWriteDeviceAck:
			return WriteDeviceAck{Mac: env.Mac, DeviceType: env.DeviceType, Data: data}, nil
		default:
			return Report{Mac: env.Mac, DeviceType: env.DeviceType, Data: data}, nil
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.MsgType)
	}
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return NewMessageID(time.Now())
}

// intPtr returns a pointer to v.
func intPtr(v int) *int {
	return &v
}
