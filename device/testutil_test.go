package device

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"devlink/channel"
	"devlink/crypto"
	"devlink/plugin"
	"devlink/protocol"
	"devlink/trust"
)

const (
	hostDeviceID  = "b0000000_0000_4000_8000_000000000001"
	peerDeviceID  = "b0000000_0000_4000_8000_000000000002"
	otherDeviceID = "b0000000_0000_4000_8000_000000000003"

	typeBattery   = "kdeconnect.battery"
	typeClipboard = "kdeconnect.clipboard"

	waitTimeout = 2 * time.Second
)

type fakeChannel struct {
	peer        protocol.Identity
	cert        *x509.Certificate
	fingerprint string

	inbound chan protocol.Packet
	sent    chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()

	payloadMu sync.Mutex
	served    []byte
	offered   []byte
}

func newFakeChannel(t *testing.T, peer protocol.Identity) *fakeChannel {
	t.Helper()

	cert, err := crypto.GenerateCertificate(peer.DeviceID)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	return newFakeChannelWithCert(peer, cert.Leaf)
}

func newFakeChannelWithCert(peer protocol.Identity, cert *x509.Certificate) *fakeChannel {
	return &fakeChannel{
		peer:        peer,
		cert:        cert,
		fingerprint: crypto.Fingerprint(cert),
		inbound:     make(chan protocol.Packet, 32),
		sent:        make(chan protocol.Packet, 64),
		closed:      make(chan struct{}),
	}
}

func (c *fakeChannel) Kind() channel.Kind { return channel.KindTCP }
func (c *fakeChannel) PeerIdentity() protocol.Identity { return c.peer }
func (c *fakeChannel) PeerCertificate() *x509.Certificate { return c.cert }
func (c *fakeChannel) Fingerprint() string { return c.fingerprint }
func (c *fakeChannel) Done() <-chan struct{} { return c.closed }
func (c *fakeChannel) Err() error { return nil }

func (c *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: channel.DefaultTCPPort}
}

func (c *fakeChannel) Send(ctx context.Context, p protocol.Packet) error {
	select {
	case <-c.closed:
		return channel.ErrChannelClosed
	default:
	}
	select {
	case c.sent <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) SendWithPayload(ctx context.Context, p protocol.Packet, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	c.payloadMu.Lock()
	c.served = data
	c.payloadMu.Unlock()
	p.PayloadSize = size
	p.PayloadTransferInfo = map[string]any{"port": float64(channel.DefaultTCPPort + 1)}
	return c.Send(ctx, p)
}

func (c *fakeChannel) DownloadPayload(ctx context.Context, p protocol.Packet, w io.Writer) (int64, error) {
	if !p.HasPayload() {
		return 0, channel.ErrPayloadUnsupported
	}
	c.payloadMu.Lock()
	data := c.offered
	c.payloadMu.Unlock()
	n, err := w.Write(data)
	return int64(n), err
}

func (c *fakeChannel) servedPayload() []byte {
	c.payloadMu.Lock()
	defer c.payloadMu.Unlock()
	return c.served
}

// offer makes the next download return data.
func (c *fakeChannel) offer(data []byte) {
	c.payloadMu.Lock()
	c.offered = data
	c.payloadMu.Unlock()
}

func (c *fakeChannel) Receive(ctx context.Context) (protocol.Packet, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	case <-c.closed:
		return protocol.Packet{}, channel.ErrChannelClosed
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
		close(c.closed)
	})
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) push(p protocol.Packet) {
	c.inbound <- p
}

// nextSent waits for the next packet the device wrote of the given type.
func (c *fakeChannel) nextSent(t *testing.T, packetType string) protocol.Packet {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case p := <-c.sent:
			if p.Type == packetType {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s packet", packetType)
			return protocol.Packet{}
		}
	}
}

func (c *fakeChannel) waitClosed(t *testing.T) {
	t.Helper()

	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for channel close")
	}
}

type securityEntry struct {
	eventType string
	deviceID  string
	severity  string
}

type fakeSecurityLog struct {
	mu      sync.Mutex
	entries []securityEntry
}

func (l *fakeSecurityLog) RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error {
	l.mu.Lock()
	l.entries = append(l.entries, securityEntry{eventType: eventType, deviceID: deviceID, severity: severity})
	l.mu.Unlock()
	return nil
}

func (l *fakeSecurityLog) has(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

type countingHandler struct {
	name string

	mu      sync.Mutex
	packets []protocol.Packet
	active  map[string]bool
}

func (h *countingHandler) Name() string { return h.name }

func (h *countingHandler) Activate(device plugin.DeviceInfo) {
	h.mu.Lock()
	if h.active == nil {
		h.active = make(map[string]bool)
	}
	h.active[device.ID] = true
	h.mu.Unlock()
}

func (h *countingHandler) Deactivate(device plugin.DeviceInfo) {
	h.mu.Lock()
	delete(h.active, device.ID)
	h.mu.Unlock()
}

func (h *countingHandler) HandlePacket(device plugin.DeviceInfo, p protocol.Packet) {
	h.mu.Lock()
	h.packets = append(h.packets, p)
	h.mu.Unlock()
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func (h *countingHandler) isActive(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[id]
}

type testEnv struct {
	manager    *Manager
	dispatcher *plugin.Dispatcher
	store      *trust.MemoryStore
	security   *fakeSecurityLog
	battery    *countingHandler
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	identity, err := trust.NewEphemeralIdentity(hostDeviceID, "host", protocol.DeviceTypeDesktop)
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	env := &testEnv{
		dispatcher: plugin.NewDispatcher(nil),
		store:      trust.NewMemoryStore(),
		security:   &fakeSecurityLog{},
		battery:    &countingHandler{name: "battery"},
	}
	if err := env.dispatcher.Register(env.battery, []string{typeBattery}, []string{typeBattery, typeClipboard}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	options := Options{
		Identity:    identity,
		Store:       env.store,
		Dispatcher:  env.dispatcher,
		SecurityLog: env.security,
		TCPPort:     channel.DefaultTCPPort,
	}
	for _, fn := range configure {
		fn(&options)
	}

	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Close()
	})
	env.manager = manager
	return env
}

func peerIdentity(id string, incoming, outgoing []string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             id,
		DeviceName:           "phone",
		DeviceType:           protocol.DeviceTypePhone,
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: incoming,
		OutgoingCapabilities: outgoing,
		TCPPort:              channel.DefaultTCPPort,
	}
}

func pinChannel(t *testing.T, store trust.Store, ch *fakeChannel) {
	t.Helper()

	err := store.RecordPairing(trust.Record{
		DeviceID:    ch.peer.DeviceID,
		DeviceName:  ch.peer.DeviceName,
		DeviceType:  ch.peer.DeviceType,
		Fingerprint: ch.fingerprint,
		Certificate: ch.cert,
	})
	if err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}
}

func waitForEvent(t *testing.T, m *Manager, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func waitForState(t *testing.T, d *Device, want State) {
	t.Helper()

	waitFor(t, func() bool { return d.State() == want }, "state "+want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustDevice(t *testing.T, m *Manager, id string) *Device {
	t.Helper()

	d, ok := m.Device(id)
	if !ok {
		t.Fatalf("device %s not registered", id)
	}
	return d
}
