package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Protocol endpoint defaults.
const (
	// DefaultMulticastGroup is the group every hub listens and answers on.
	DefaultMulticastGroup = "238.0.0.18"

	// DefaultSendPort is the port hubs receive requests on.
	DefaultSendPort = 32100

	// DefaultReceivePort is the port hubs send acks and reports to.
	DefaultReceivePort = 32101

	// multicastTTL is the hop limit set on outgoing datagrams.
	multicastTTL = 255

	// readBufferSize is the largest datagram accepted.
	readBufferSize = 4096

	// defaultReadTimeout bounds each read so the loop can observe shutdown.
	defaultReadTimeout = time.Second

	// defaultWriteTimeout bounds each datagram write.
	defaultWriteTimeout = 2 * time.Second
)

// ConnectionState is the lifecycle state of the multicast socket.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateJoining
	StateListening
	StateFaulted
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateListening:
		return "listening"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrorCode qualifies the last fault.
type ErrorCode int

// Error codes reported alongside ConnectionState.
const (
	ErrorCodeNone        ErrorCode = 1000
	ErrorCodeAccessToken ErrorCode = 1001
	ErrorCodeSocket      ErrorCode = 1002
)

// String returns a short name for the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeAccessToken:
		return "access_token_error"
	case ErrorCodeSocket:
		return "socket_error"
	default:
		return strconv.Itoa(int(c))
	}
}

// TransportConfig holds multicast socket configuration.
type TransportConfig struct {
	// MulticastGroup is the group address. Default: 238.0.0.18.
	MulticastGroup string

	// SendPort is the destination port for requests. Default: 32100.
	SendPort int

	// ReceivePort is the local port bound for acks and reports. Default: 32101.
	ReceivePort int

	// Interface selects the interface (name or IPv4 address) for the group
	// join. Empty lets the system choose.
	Interface string

	// Hosts lists hub IPs or hostnames. Datagrams from other senders are
	// ignored, including when none of them resolves. Empty accepts every
	// sender.
	Hosts []string

	// ReadTimeout is the polling interval of the receive loop. Default: 1s.
	ReadTimeout time.Duration

	// WriteTimeout bounds each send. Default: 2s.
	WriteTimeout time.Duration

	// ListenPacket opens the socket. Default binds UDP with SO_REUSEADDR.
	ListenPacket ListenFunc
}

// TransportStats holds operational statistics.
type TransportStats struct {
	DatagramsTx     uint64    `json:"datagrams_tx"`
	DatagramsRx     uint64    `json:"datagrams_rx"`
	SendTimeouts    uint64    `json:"send_timeouts"`
	DecodeErrors    uint64    `json:"decode_errors"`
	UnknownMessages uint64    `json:"unknown_messages"`
	ForeignSenders  uint64    `json:"foreign_senders"`
	LastActivity    time.Time `json:"last_activity"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Transport owns the UDP socket shared with every hub on the group.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Sends are serialised by a mutex.
//   - The message handler runs on the receive goroutine; it may block, and
//     the loop resumes when it returns.
type Transport struct {
	cfg       TransportConfig
	groupAddr *net.UDPAddr

	// Socket and state, guarded by connMu
	connMu    sync.RWMutex
	conn      net.PacketConn
	receiving bool
	state     ConnectionState
	code      ErrorCode
	hosts     map[string]struct{} // nil accepts any sender

	sendMu sync.Mutex

	onMessage  func(Message)
	callbackMu sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	datagramsTx     atomic.Uint64
	datagramsRx     atomic.Uint64
	sendTimeouts    atomic.Uint64
	decodeErrors    atomic.Uint64
	unknownMessages atomic.Uint64
	foreignSenders  atomic.Uint64
	lastActivity    atomic.Int64
}

// NewTransport creates a transport in the Disconnected state.
//
// Parameters:
//   - cfg: Socket configuration; zero fields take protocol defaults
//
// Returns:
//   - *Transport: Transport ready for Join
//   - error: If the multicast group is not a valid IPv4 multicast address
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = DefaultMulticastGroup
	}
	if cfg.SendPort == 0 {
		cfg.SendPort = DefaultSendPort
	}
	if cfg.ReceivePort == 0 {
		cfg.ReceivePort = DefaultReceivePort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = listenReusable
	}

	ip := net.ParseIP(cfg.MulticastGroup).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", ErrConnectFailed, cfg.MulticastGroup)
	}

	return &Transport{
		cfg:       cfg,
		groupAddr: &net.UDPAddr{IP: ip, Port: cfg.SendPort},
		state:     StateDisconnected,
		code:      ErrorCodeNone,
		done:      newCloseOnce(),
	}, nil
}

// Join binds the receive port, joins the multicast group and starts the
// receive loop.
//
// When the port cannot be bound the transport becomes Faulted with
// ErrorCodeSocket and falls back to an ephemeral send-only socket, so
// requests can still be sent while nothing is received.
//
// Parameters:
//   - ctx: Context for socket setup and host resolution
//
// Returns:
//   - error: wrapping ErrConnectFailed if binding or joining fails
func (t *Transport) Join(ctx context.Context) error {
	if t.isClosed() {
		return ErrNotConnected
	}

	t.setState(StateJoining, ErrorCodeNone)

	hosts, err := resolveHosts(ctx, t.cfg.Hosts)
	if err != nil {
		t.logWarn("hub host resolution incomplete", "error", err)
	}
	if hosts != nil && len(hosts) == 0 {
		t.logWarn("no hub host resolved, all datagrams will be dropped", "hosts", t.cfg.Hosts)
	}

	conn, err := t.cfg.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(t.cfg.ReceivePort)))
	if err != nil {
		t.setState(StateFaulted, ErrorCodeSocket)
		t.logError("bind failed, falling back to send-only socket", err, "port", t.cfg.ReceivePort)
		t.openSendOnly(ctx)
		return fmt.Errorf("%w: bind port %d: %w", ErrConnectFailed, t.cfg.ReceivePort, err)
	}

	if err := t.joinGroup(conn); err != nil {
		t.connMu.Lock()
		t.conn = conn
		t.hosts = hosts
		t.state = StateFaulted
		t.code = ErrorCodeSocket
		t.connMu.Unlock()
		t.logError("multicast join failed, socket is send-only", err, "group", t.cfg.MulticastGroup)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.hosts = hosts
	t.receiving = true
	t.state = StateListening
	t.code = ErrorCodeNone
	t.connMu.Unlock()

	t.lastActivity.Store(time.Now().Unix())

	t.wg.Add(1)
	go t.receiveLoop(conn)

	t.logInfo("joined multicast group",
		"group", t.cfg.MulticastGroup,
		"receive_port", t.cfg.ReceivePort,
		"send_port", t.cfg.SendPort,
		"hosts", len(hosts),
	)
	return nil
}

// joinGroup sets the TTL and group membership on UDP sockets.
// Other packet conns (supplied through ListenPacket) are used as is.
func (t *Transport) joinGroup(conn net.PacketConn) error {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}

	ifi, err := lookupInterface(t.cfg.Interface)
	if err != nil {
		return err
	}

	pc := ipv4.NewPacketConn(udp)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		return fmt.Errorf("set multicast ttl: %w", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: t.groupAddr.IP}); err != nil {
		return fmt.Errorf("join group %s: %w", t.groupAddr.IP, err)
	}
	return nil
}

// openSendOnly opens an unbound socket so sends still work after a bind failure.
func (t *Transport) openSendOnly(ctx context.Context) {
	conn, err := t.cfg.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if err != nil {
		t.logError("send-only socket failed", err)
		return
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		_ = ipv4.NewPacketConn(udp).SetMulticastTTL(multicastTTL)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
}

// resolveHosts turns the configured hub hosts into a set of IP strings.
// Unresolvable hosts are skipped and reported in the returned error. The
// set is nil only when no hosts are configured; a non-nil empty set still
// filters every sender.
func resolveHosts(ctx context.Context, hosts []string) (map[string]struct{}, error) {
	if len(hosts) == 0 {
		return nil, nil
	}

	set := make(map[string]struct{}, len(hosts))
	var errs []error
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			set[ip.String()] = struct{}{}
			continue
		}
		addrs, err := net.DefaultResolver.LookupHost(ctx, h)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h, err))
			continue
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				set[ip.String()] = struct{}{}
			}
		}
	}
	return set, errors.Join(errs...)
}

// receiveLoop reads datagrams until the socket is closed or fails.
func (t *Transport) receiveLoop(conn net.PacketConn) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-t.done.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil && !t.isClosed() {
			t.logError("set read deadline failed", err)
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if t.handleReadError(err) {
				return
			}
			continue
		}

		if !t.acceptSender(addr) {
			t.foreignSenders.Add(1)
			continue
		}

		t.handleDatagram(buf[:n], addr)
	}
}

// handleReadError processes a read error and returns true if the loop should stop.
func (t *Transport) handleReadError(err error) bool {
	if t.isClosed() || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	t.logError("receive failed", err)
	t.connMu.Lock()
	t.receiving = false
	t.state = StateFaulted
	t.code = ErrorCodeSocket
	t.connMu.Unlock()
	return true
}

// handleDatagram decodes one datagram and hands it to the message handler.
func (t *Transport) handleDatagram(b []byte, from net.Addr) {
	msg, err := Decode(b)
	switch {
	case errors.Is(err, ErrAccessToken):
		t.connMu.Lock()
		t.state = StateFaulted
		t.code = ErrorCodeAccessToken
		t.connMu.Unlock()
		t.logError("hub rejected access token", err, "from", addrString(from))
		return
	case errors.Is(err, ErrUnknownMessageType):
		t.unknownMessages.Add(1)
		t.logDebug("ignoring message", "error", err, "from", addrString(from))
		return
	case err != nil:
		t.decodeErrors.Add(1)
		t.logWarn("dropping malformed datagram", "error", err, "from", addrString(from), "bytes", len(b))
		return
	}

	t.datagramsRx.Add(1)
	t.lastActivity.Store(time.Now().Unix())

	t.callbackMu.RLock()
	handler := t.onMessage
	t.callbackMu.RUnlock()

	if handler != nil {
		handler(msg)
	}
}

// acceptSender reports whether addr belongs to a configured hub.
func (t *Transport) acceptSender(addr net.Addr) bool {
	t.connMu.RLock()
	hosts := t.hosts
	t.connMu.RUnlock()

	if hosts == nil {
		return true
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addrString(addr))
		if err != nil {
			return false
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	_, ok := hosts[ip.String()]
	return ok
}

// Send encodes m and writes it as one datagram to the group.
//
// Write timeouts are logged and counted but not returned. Other write
// errors fault the transport.
//
// Parameters:
//   - ctx: Context for cancellation
//   - m: Message to send
//
// Returns:
//   - error: ErrNotConnected without a socket, ErrSendFailed on write failure
func (t *Transport) Send(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()

	if conn == nil || t.isClosed() {
		return ErrNotConnected
	}

	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil && !t.isClosed() {
		t.logDebug("set write deadline failed", "error", err)
	}

	if _, err := conn.WriteTo(data, t.groupAddr); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.sendTimeouts.Add(1)
			t.logWarn("send timed out", "msg_type", m.Type())
			return nil
		}
		if !t.isClosed() {
			t.setState(StateFaulted, ErrorCodeSocket)
		}
		t.logError("send failed", err, "msg_type", m.Type())
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, m.Type(), err)
	}

	t.datagramsTx.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	t.logDebug("sent", "msg_type", m.Type(), "bytes", len(data))
	return nil
}

// ClearFault returns an access-token fault to Listening while the receive
// loop is still running. Socket faults are not cleared.
func (t *Transport) ClearFault() {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.state == StateFaulted && t.code == ErrorCodeAccessToken && t.receiving {
		t.state = StateListening
		t.code = ErrorCodeNone
	}
}

// Close stops the receive loop and closes the socket.
// Safe to call multiple times.
func (t *Transport) Close() error {
	t.done.Close()

	t.connMu.Lock()
	conn := t.conn
	t.receiving = false
	t.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	t.wg.Wait()

	t.connMu.Lock()
	t.state = StateDisconnected
	t.connMu.Unlock()

	t.logInfo("transport closed")
	return nil
}

// SetOnMessage sets the handler for decoded inbound messages.
func (t *Transport) SetOnMessage(handler func(Message)) {
	t.callbackMu.Lock()
	t.onMessage = handler
	t.callbackMu.Unlock()
}

// SetLogger sets the logger for this transport.
func (t *Transport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// State returns the connection state and the last error code.
func (t *Transport) State() (ConnectionState, ErrorCode) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.state, t.code
}

// IsConnected returns true while the receive loop is running.
func (t *Transport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.receiving
}

// Stats returns current operational statistics.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		DatagramsTx:     t.datagramsTx.Load(),
		DatagramsRx:     t.datagramsRx.Load(),
		SendTimeouts:    t.sendTimeouts.Load(),
		DecodeErrors:    t.decodeErrors.Load(),
		UnknownMessages: t.unknownMessages.Load(),
		ForeignSenders:  t.foreignSenders.Load(),
		LastActivity:    time.Unix(t.lastActivity.Load(), 0),
	}
}

func (t *Transport) setState(s ConnectionState, code ErrorCode) {
	t.connMu.Lock()
	t.state = s
	t.code = code
	t.connMu.Unlock()
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (t *Transport) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

func (t *Transport) logDebug(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (t *Transport) logInfo(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (t *Transport) logWarn(msg string, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (t *Transport) logError(msg string, err error, keysAndValues ...any) {
	if logger := t.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
