package connector

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

const (
	testKey    = "0123456789abcdef"
	testToken  = "ABCDEF0123456789"
	testHubMac = "aabbccddeeff"
	testChild1 = "aabbccddeeff0001"
	testChild2 = "aabbccddeeff0002"
	testHubIP  = "192.168.1.10"
)

// timeoutError is a net.Error reporting a timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeDatagram struct {
	data []byte
	from net.Addr
	err  error
}

type fakeWrite struct {
	data []byte
	to   net.Addr
	at   time.Time
}

// fakePacketConn is an in-memory net.PacketConn. Reads block until a
// datagram is injected or the conn is closed.
type fakePacketConn struct {
	inbox     chan fakeDatagram
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []fakeWrite
	writeErr error

	// respond, when set, is called for every write and its replies are
	// injected as if sent by the hub.
	respond func(m Message) []Message
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		inbox:  make(chan fakeDatagram, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case d := <-c.inbox:
		if d.err != nil {
			return 0, nil, d.err
		}
		return copy(p, d.data), d.from, nil
	}
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return 0, err
	}
	c.writes = append(c.writes, fakeWrite{data: append([]byte(nil), p...), to: addr, at: time.Now()})
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		if m, err := Decode(p); err == nil {
			for _, reply := range respond(m) {
				c.injectMessage(reply, testHubIP)
			}
		}
	}
	return len(p), nil
}

func (c *fakePacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: DefaultReceivePort}
}

func (c *fakePacketConn) SetDeadline(time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakePacketConn) inject(data []byte, fromIP string) {
	c.inbox <- fakeDatagram{data: data, from: &net.UDPAddr{IP: net.ParseIP(fromIP), Port: DefaultSendPort}}
}

func (c *fakePacketConn) injectMessage(m Message, fromIP string) {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	c.inject(data, fromIP)
}

func (c *fakePacketConn) injectError(err error) {
	c.inbox <- fakeDatagram{err: err}
}

func (c *fakePacketConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakePacketConn) setRespond(fn func(m Message) []Message) {
	c.mu.Lock()
	c.respond = fn
	c.mu.Unlock()
}

func (c *fakePacketConn) getWrites() []fakeWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeWrite(nil), c.writes...)
}

// sentMessages decodes every write.
func (c *fakePacketConn) sentMessages(t *testing.T) []Message {
	t.Helper()
	var msgs []Message
	for _, w := range c.getWrites() {
		m, err := Decode(w.data)
		if err != nil {
			t.Fatalf("Decode(sent) error = %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// listenOn returns a ListenFunc that always hands out conn.
func listenOn(conn net.PacketConn) ListenFunc {
	return func(context.Context, string, string) (net.PacketConn, error) {
		return conn, nil
	}
}

// recordingSender records messages instead of sending them.
type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error

	// inFlight, when set, runs while a send is in progress.
	inFlight func(Message)
}

func (s *recordingSender) Send(_ context.Context, m Message) error {
	if s.inFlight != nil {
		s.inFlight(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// newTestRegistry returns a registry wired to a recording sender.
func newTestRegistry() (*Registry, *recordingSender) {
	reg := newRegistry(testKey, &logSink{})
	tx := &recordingSender{}
	reg.disp = &dispatcher{tx: tx, reg: reg}
	return reg, tx
}

// fastDiscovery keeps discovery timings short for tests.
func fastDiscovery() DiscoveryConfig {
	return DiscoveryConfig{
		InitialDelay:      time.Millisecond,
		InterRequestDelay: time.Millisecond,
		MaxRounds:         3,
		ReadyTimeout:      2 * time.Second,
	}
}

// newTestEngine creates an engine on a fake socket. The engine is stopped
// when the test ends.
func newTestEngine(t *testing.T, conn *fakePacketConn, disc DiscoveryConfig) *Engine {
	t.Helper()
	e, err := NewEngine(EngineOptions{
		Transport: TransportConfig{
			Hosts:        []string{testHubIP},
			ListenPacket: listenOn(conn),
		},
		Key:       testKey,
		Discovery: disc,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func hubAck(devices ...DeviceEntry) GetDeviceListAck {
	return GetDeviceListAck{
		Mac:        testHubMac,
		DeviceType: DeviceTypeHub,
		Token:      testToken,
		FwVersion:  "A1.1.0_B0.1.3",
		Devices:    devices,
	}
}

func blindEntry(mac string) DeviceEntry {
	return DeviceEntry{Mac: mac, DeviceType: "10000000"}
}

func modeData(mode, position int) DeviceData {
	return DeviceData{
		Type:            intPtr(1),
		WirelessMode:    intPtr(mode),
		CurrentPosition: intPtr(position),
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func expectedAccessToken(t *testing.T) string {
	t.Helper()
	tok, err := DeriveAccessToken(testToken, testKey)
	if err != nil {
		t.Fatalf("DeriveAccessToken() error = %v", err)
	}
	return tok
}
