package connector

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewMessageID(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 123456789, time.UTC)
	got := NewMessageID(ts)
	if got != "20240305140709123" {
		t.Errorf("NewMessageID() = %s, want 20240305140709123", got)
	}

	if id := NewMessageID(time.Now()); len(id) != 17 {
		t.Errorf("len(NewMessageID()) = %d, want 17", len(id))
	}
}

func TestEncode_GeneratesMessageID(t *testing.T) {
	data, err := Encode(GetDeviceList{})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env["msgType"] != "GetDeviceList" {
		t.Errorf("msgType = %v, want GetDeviceList", env["msgType"])
	}
	id, _ := env["msgID"].(string)
	if len(id) != 17 {
		t.Errorf("msgID = %q, want 17 characters", id)
	}
}

func TestEncode_WriteDevice(t *testing.T) {
	data, err := Encode(WriteDevice{
		MsgID:       "20240305140709123",
		Mac:         testChild1,
		DeviceType:  "10000000",
		AccessToken: "TOKEN",
		Data:        Operation{TargetPosition: intPtr(40)},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := `{"msgType":"WriteDevice","msgID":"20240305140709123","mac":"aabbccddeeff0001",` +
		`"deviceType":"10000000","AccessToken":"TOKEN","data":{"targetPosition":40}}`
	if string(data) != want {
		t.Errorf("Encode() =\n%s\nwant\n%s", data, want)
	}
}

func TestDecode_Messages(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, m Message)
	}{
		{
			name: "device list ack",
			input: `{"msgType":"GetDeviceListAck","mac":"aabbccddeeff","deviceType":"02000001",` +
				`"token":"ABCDEF0123456789","fwVersion":"A1.1.0","data":[` +
				`{"mac":"aabbccddeeff","deviceType":"02000001"},` +
				`{"mac":"aabbccddeeff0001","deviceType":"10000000"}]}`,
			check: func(t *testing.T, m Message) {
				ack, ok := m.(GetDeviceListAck)
				if !ok {
					t.Fatalf("type = %T, want GetDeviceListAck", m)
				}
				if ack.Token != testToken || ack.FwVersion != "A1.1.0" {
					t.Errorf("ack = %+v", ack)
				}
				if len(ack.Devices) != 2 || ack.Devices[1].Mac != testChild1 {
					t.Errorf("Devices = %+v", ack.Devices)
				}
			},
		},
		{
			name:  "legacy protocol version",
			input: `{"msgType":"GetDeviceListAck","mac":"aabbccddeeff","token":"T","ProtocolVersion":"0.9","data":[]}`,
			check: func(t *testing.T, m Message) {
				if got := m.(GetDeviceListAck).FwVersion; got != "0.9" {
					t.Errorf("FwVersion = %q, want 0.9", got)
				}
			},
		},
		{
			name: "report",
			input: `{"msgType":"Report","mac":"aabbccddeeff0001","deviceType":"10000000",` +
				`"data":{"currentPosition":40,"currentAngle":90,"batteryLevel":1150,"RSSI":-70}}`,
			check: func(t *testing.T, m Message) {
				rep, ok := m.(Report)
				if !ok {
					t.Fatalf("type = %T, want Report", m)
				}
				if rep.Data.CurrentPosition == nil || *rep.Data.CurrentPosition != 40 {
					t.Errorf("CurrentPosition = %v, want 40", rep.Data.CurrentPosition)
				}
				if rep.Data.WirelessMode != nil {
					t.Errorf("WirelessMode = %v, want nil", *rep.Data.WirelessMode)
				}
				if rep.Data.RSSI == nil || *rep.Data.RSSI != -70 {
					t.Errorf("RSSI = %v, want -70", rep.Data.RSSI)
				}
			},
		},
		{
			name:  "write device ack",
			input: `{"msgType":"WriteDeviceAck","mac":"aabbccddeeff0001","deviceType":"10000000","data":{"type":2,"wirelessMode":1}}`,
			check: func(t *testing.T, m Message) {
				ack, ok := m.(WriteDeviceAck)
				if !ok {
					t.Fatalf("type = %T, want WriteDeviceAck", m)
				}
				if *ack.Data.Type != 2 || *ack.Data.WirelessMode != 1 {
					t.Errorf("Data = %+v", ack.Data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, m)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", "not json", ErrDecode},
		{"truncated", `{"msgType":"Report"`, ErrDecode},
		{"missing msgType", `{"mac":"aabbccddeeff"}`, ErrDecode},
		{"bad data", `{"msgType":"Report","data":[1,2]}`, ErrDecode},
		{"unknown type", `{"msgType":"Heartbeat","mac":"aabbccddeeff"}`, ErrUnknownMessageType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if m != nil {
				t.Errorf("Decode() message = %v, want nil", m)
			}
		})
	}
}

func TestDecode_AccessTokenError(t *testing.T) {
	input := `{"msgType":"WriteDeviceAck","mac":"aabbccddeeff0001","deviceType":"10000000","actionResult":"AccessToken error"}`

	m, err := Decode([]byte(input))
	if !errors.Is(err, ErrAccessToken) {
		t.Fatalf("Decode() error = %v, want ErrAccessToken", err)
	}
	if _, ok := m.(WriteDeviceAck); !ok {
		t.Errorf("Decode() message = %T, want WriteDeviceAck", m)
	}
	if !strings.Contains(err.Error(), testChild1) {
		t.Errorf("error %q does not name the device", err)
	}
}

func TestEncodeDecode_OutboundRequests(t *testing.T) {
	data, err := Encode(ReadDevice{Mac: testChild1, DeviceType: "10000000", AccessToken: "TOKEN"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	rd, ok := m.(ReadDevice)
	if !ok {
		t.Fatalf("type = %T, want ReadDevice", m)
	}
	if rd.AccessToken != "TOKEN" || rd.Mac != testChild1 || len(rd.MsgID) != 17 {
		t.Errorf("ReadDevice = %+v", rd)
	}
}
