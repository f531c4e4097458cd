package connector

import (
	"fmt"
	"testing"
)

func TestRegistry_DeviceListAck(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.onDeviceListAck(hubAck(
		DeviceEntry{Mac: testHubMac, DeviceType: DeviceTypeHub},
		blindEntry(testChild1),
		blindEntry(testChild2),
		DeviceEntry{Mac: "aabbccddeeff0009", DeviceType: "99999999"},
	))

	hubs := reg.Hubs()
	if len(hubs) != 1 {
		t.Fatalf("len(Hubs()) = %d, want 1", len(hubs))
	}
	if !hubs[0].HasAccessToken {
		t.Error("hub has no access token")
	}
	if len(hubs[0].Entries) != 4 {
		t.Errorf("len(Entries) = %d, want 4", len(hubs[0].Entries))
	}

	pending := reg.Pending()
	want := []PendingEntry{
		{Mac: testChild1, DeviceType: "10000000"},
		{Mac: testChild2, DeviceType: "10000000"},
	}
	if len(pending) != len(want) {
		t.Fatalf("Pending() = %+v, want %+v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("Pending()[%d] = %+v, want %+v", i, pending[i], want[i])
		}
	}

	token, ok := reg.accessTokenFor(testChild1)
	if !ok || token != expectedAccessToken(t) {
		t.Errorf("accessTokenFor() = %q, %v", token, ok)
	}
}

func TestRegistry_DeviceListAckIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 20))

	ack := hubAck(blindEntry(testChild1), blindEntry(testChild2))
	ack.Token = "0000111122223333"
	reg.onDeviceListAck(ack)
	reg.onDeviceListAck(ack)

	if n := len(reg.Hubs()); n != 1 {
		t.Errorf("len(Hubs()) = %d, want 1", n)
	}
	if n := len(reg.Blinds()); n != 1 {
		t.Errorf("len(Blinds()) = %d, want 1 (known blinds kept)", n)
	}

	// Re-announced children are queued once.
	if n := len(reg.Pending()); n != 2 {
		t.Errorf("len(Pending()) = %d, want 2", n)
	}

	want, err := DeriveAccessToken("0000111122223333", testKey)
	if err != nil {
		t.Fatalf("DeriveAccessToken() error = %v", err)
	}
	if got, _ := reg.accessTokenFor(testChild1); got != want {
		t.Errorf("access token = %s, want refreshed %s", got, want)
	}
}

func TestRegistry_WirelessModeVariants(t *testing.T) {
	tests := []struct {
		mode        int
		wantVariant Variant
		wantCreated bool
	}{
		{WirelessModeUniDirectional, VariantOneWay, true},
		{WirelessModeBiDirectional, VariantTwoWay, true},
		{WirelessModeBiDirectionalLimit, VariantOneWay, true},
		{WirelessModeOthers, VariantTwoWay, true},
		{WirelessModeBiDirectionalOther, VariantTwoWay, true},
		{7, 0, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("mode_%d", tt.mode), func(t *testing.T) {
			reg, _ := newTestRegistry()
			reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
			reg.onDeviceAck(testChild1, "10000000", modeData(tt.mode, 50))

			b, ok := reg.Blind(testChild1)
			if ok != tt.wantCreated {
				t.Fatalf("mode %d: created = %v, want %v", tt.mode, ok, tt.wantCreated)
			}
			if !ok {
				if got := reg.unsupportedModes.Load(); got != 1 {
					t.Errorf("unsupportedModes = %d, want 1", got)
				}
				return
			}
			if b.Variant() != tt.wantVariant {
				t.Errorf("mode %d: variant = %s, want %s", tt.mode, b.Variant(), tt.wantVariant)
			}
			st := b.State()
			if st.HubMac != testHubMac {
				t.Errorf("HubMac = %s, want %s", st.HubMac, testHubMac)
			}
			if tt.wantVariant == VariantTwoWay && (!st.HasPosition || st.Position != 50) {
				t.Errorf("position = %d (has %v), want 50", st.Position, st.HasPosition)
			}
			if tt.wantVariant == VariantOneWay && st.HasPosition {
				t.Error("one-way blind has a position")
			}
		})
	}
}

func TestRegistry_WirelessModeMustMatchVariant(t *testing.T) {
	tests := []struct {
		name      string
		mac       string
		data      DeviceData
		viaReport bool
		wantMode  int
		wantCount uint64
	}{
		{"report with unknown mode", testChild1, DeviceData{WirelessMode: intPtr(7), CurrentPosition: intPtr(30)}, true, WirelessModeBiDirectional, 1},
		{"report with one-way mode on two-way blind", testChild1, DeviceData{WirelessMode: intPtr(WirelessModeUniDirectional)}, true, WirelessModeBiDirectional, 1},
		{"ack with two-way mode on one-way blind", testChild2, modeData(WirelessModeBiDirectional, 30), false, WirelessModeUniDirectional, 1},
		{"report with another two-way mode", testChild1, DeviceData{WirelessMode: intPtr(WirelessModeBiDirectionalOther)}, true, WirelessModeBiDirectionalOther, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry()
			reg.onDeviceListAck(hubAck(blindEntry(testChild1), blindEntry(testChild2)))
			reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 50))
			reg.onDeviceAck(testChild2, "10000000", modeData(WirelessModeUniDirectional, 0))

			if tt.viaReport {
				reg.onReport(Report{Mac: tt.mac, DeviceType: "10000000", Data: tt.data})
			} else {
				reg.onDeviceAck(tt.mac, "10000000", tt.data)
			}

			st := mustBlind(t, reg, tt.mac).State()
			if st.WirelessMode != tt.wantMode {
				t.Errorf("WirelessMode = %d, want %d", st.WirelessMode, tt.wantMode)
			}
			if got := reg.unsupportedModes.Load(); got != tt.wantCount {
				t.Errorf("unsupportedModes = %d, want %d", got, tt.wantCount)
			}
			if tt.mac == testChild1 && tt.data.CurrentPosition != nil && st.Position != *tt.data.CurrentPosition {
				t.Errorf("Position = %d, other fields must still apply", st.Position)
			}
		})
	}
}

func TestRegistry_AckRemovesPending(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1), blindEntry(testChild2)))

	// A mismatched device type does not match the pending entry.
	reg.onDeviceAck(testChild1, "10000002", modeData(WirelessModeBiDirectional, 0))
	if n := len(reg.Pending()); n != 2 {
		t.Errorf("len(Pending()) = %d, want 2", n)
	}

	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 0))
	pending := reg.Pending()
	if len(pending) != 1 || pending[0].Mac != testChild2 {
		t.Errorf("Pending() = %+v, want only %s", pending, testChild2)
	}
}

func TestRegistry_AckUnknownHub(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceAck("112233445566aaaa", "10000000", modeData(WirelessModeBiDirectional, 0))

	if got := reg.unknownMisses.Load(); got != 1 {
		t.Errorf("unknownMisses = %d, want 1", got)
	}
	if n := len(reg.Blinds()); n != 0 {
		t.Errorf("len(Blinds()) = %d, want 0", n)
	}
}

func TestRegistry_ReportUpdatesAndNotifies(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 0))

	b, _ := reg.Blind(testChild1)
	var got []BlindState
	b.RegisterCallback(func(st BlindState) { got = append(got, st) })
	reg.markMoving(b, false, true)

	reg.onReport(Report{
		Mac:        testChild1,
		DeviceType: "10000000",
		Data:       DeviceData{CurrentPosition: intPtr(100), CurrentAngle: intPtr(45)},
	})

	if len(got) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(got))
	}
	st := got[0]
	if st.Position != 100 || st.Angle != 45 || !st.IsClosed() {
		t.Errorf("state = %+v", st)
	}
	if st.Opening || st.Closing {
		t.Error("report did not clear movement flags")
	}
}

func TestRegistry_ReportClampsOutOfRange(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 0))

	reg.onReport(Report{Mac: testChild1, Data: DeviceData{CurrentPosition: intPtr(120), CurrentAngle: intPtr(-5)}})

	b, _ := reg.Blind(testChild1)
	st := b.State()
	if st.Position != PositionClosed || st.Angle != AngleMin {
		t.Errorf("position/angle = %d/%d, want %d/%d", st.Position, st.Angle, PositionClosed, AngleMin)
	}
}

func TestRegistry_ReportUnknownDevice(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))

	reg.onReport(Report{Mac: testChild1, Data: DeviceData{CurrentPosition: intPtr(10)}})
	reg.onReport(Report{Mac: "ffffffffffff0001", Data: DeviceData{CurrentPosition: intPtr(10)}})

	if got := reg.unknownMisses.Load(); got != 2 {
		t.Errorf("unknownMisses = %d, want 2", got)
	}
	if n := len(reg.Blinds()); n != 0 {
		t.Errorf("len(Blinds()) = %d, want 0", n)
	}
}

func TestRegistry_CallbackPanicRecovered(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 0))

	b, _ := reg.Blind(testChild1)
	b.RegisterCallback(func(BlindState) { panic("boom") })

	listened := false
	reg.setListener(func(BlindState) { listened = true })

	reg.onReport(Report{Mac: testChild1, Data: DeviceData{CurrentPosition: intPtr(30)}})

	if got := reg.callbackPanics.Load(); got != 1 {
		t.Errorf("callbackPanics = %d, want 1", got)
	}
	if !listened {
		t.Error("listener not called after panicking callback")
	}
}

func TestBlind_SubscribeReplace(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1)))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeBiDirectional, 0))
	b, _ := reg.Blind(testChild1)

	var first, second int
	unsubFirst := b.Subscribe(func(BlindState) { first++ })
	b.Subscribe(func(BlindState) { second++ })

	// The stale unsubscribe must not clear the newer callback.
	unsubFirst()

	reg.onReport(Report{Mac: testChild1, Data: DeviceData{CurrentPosition: intPtr(30)}})
	if first != 0 || second != 1 {
		t.Errorf("calls = %d/%d, want 0/1", first, second)
	}

	b.RemoveCallback()
	reg.onReport(Report{Mac: testChild1, Data: DeviceData{CurrentPosition: intPtr(40)}})
	if second != 1 {
		t.Errorf("calls after remove = %d, want 1", second)
	}
}

func TestRegistry_WiFiMotor(t *testing.T) {
	reg, _ := newTestRegistry()
	motor := "112233445566"
	reg.onDeviceListAck(GetDeviceListAck{Mac: motor, DeviceType: "22000005", Token: testToken})

	b, ok := reg.Blind(motor)
	if !ok {
		t.Fatal("wifi motor not registered")
	}
	if b.Variant() != VariantTwoWay {
		t.Errorf("variant = %s, want two_way", b.Variant())
	}
	if n := len(reg.Hubs()); n != 0 {
		t.Errorf("len(Hubs()) = %d, want 0", n)
	}
	if pending := reg.Pending(); len(pending) != 0 {
		t.Errorf("Pending() = %v, want empty", pending)
	}
	if got, _ := reg.accessTokenFor(motor); got != expectedAccessToken(t) {
		t.Errorf("motor token = %s", got)
	}

	reg.onReport(Report{Mac: motor, DeviceType: "22000005", Data: DeviceData{CurrentPosition: intPtr(60)}})
	if st := b.State(); st.Position != 60 {
		t.Errorf("position = %d, want 60", st.Position)
	}
}

func TestRegistry_HubBlinds(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.onDeviceListAck(hubAck(blindEntry(testChild1), blindEntry(testChild2)))
	reg.onDeviceAck(testChild2, "10000000", modeData(WirelessModeBiDirectional, 0))
	reg.onDeviceAck(testChild1, "10000000", modeData(WirelessModeUniDirectional, 0))

	blinds, err := reg.hubBlinds(testHubMac)
	if err != nil {
		t.Fatalf("hubBlinds() error = %v", err)
	}
	if len(blinds) != 1 || blinds[0].Mac() != testChild2 {
		t.Errorf("hubBlinds() returned %d blinds, want only %s", len(blinds), testChild2)
	}

	if _, err := reg.hubBlinds("000000000000"); err == nil {
		t.Error("hubBlinds(unknown) error = nil")
	}
}
