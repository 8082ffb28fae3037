package service

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"devlink/channel"
	"devlink/crypto"
	"devlink/device"
	"devlink/plugin"
	"devlink/protocol"
	"devlink/trust"
)

const (
	alphaDeviceID = "c0000000_0000_4000_8000_00000000000a"
	betaDeviceID  = "c0000000_0000_4000_8000_00000000000b"

	waitTimeout = 5 * time.Second
)

type host struct {
	identity   trust.Identity
	store      *trust.MemoryStore
	dispatcher *plugin.Dispatcher
	ping       *plugin.PingHandler
	manager    *device.Manager
	service    *Service
}

func newHost(t *testing.T, deviceID string, listen bool, policy ReconnectPolicy) *host {
	t.Helper()

	identity, err := trust.NewEphemeralIdentity(deviceID, "host-"+deviceID[len(deviceID)-1:], protocol.DeviceTypeDesktop)
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	h := &host{
		identity:   identity,
		store:      trust.NewMemoryStore(),
		dispatcher: plugin.NewDispatcher(nil),
	}
	h.ping, err = plugin.RegisterPing(h.dispatcher, nil, nil)
	if err != nil {
		t.Fatalf("RegisterPing failed: %v", err)
	}

	h.manager, err = device.NewManager(device.Options{
		Identity:   identity,
		Store:      h.store,
		Dispatcher: h.dispatcher,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	options := Options{
		Manager:          h.manager,
		Certificate:      identity.Certificate,
		HandshakeTimeout: 2 * time.Second,
		Reconnect:        policy,
	}
	if listen {
		options.Listen = []Endpoint{{Transport: channel.TCPTransport{}, Address: "127.0.0.1:0"}}
	}
	h.service, err = New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := h.service.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = h.service.Close()
		_ = h.manager.Close()
	})
	return h
}

func waitForState(t *testing.T, m *device.Manager, id string, want device.State) *device.Device {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if d, ok := m.Device(id); ok && d.State() == want {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", id, want)
	return nil
}

func waitForEvent(t *testing.T, m *device.Manager, want device.EventType) device.Event {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return device.Event{}
		}
	}
}

func TestPairingAndPingOverTCP(t *testing.T) {
	alpha := newHost(t, alphaDeviceID, true, ReconnectPolicy{})
	beta := newHost(t, betaDeviceID, false, ReconnectPolicy{})

	addr := alpha.service.Addr(channel.KindTCP)
	if addr == nil {
		t.Fatalf("expected TCP listener address")
	}
	if port := alpha.manager.LocalIdentity().TCPPort; port != addr.(*net.TCPAddr).Port {
		t.Fatalf("expected announced port %d, got %d", addr.(*net.TCPAddr).Port, port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	d, err := beta.service.Connect(ctx, channel.KindTCP, addr.String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if d.ID() != alphaDeviceID || d.State() != device.StateUnpaired {
		t.Fatalf("unexpected dialed device %s in %s", d.ID(), d.State())
	}
	waitForState(t, alpha.manager, betaDeviceID, device.StateUnpaired)

	if err := beta.manager.RequestPairing(ctx, alphaDeviceID); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	request := waitForEvent(t, alpha.manager, device.EventPairingRequested)
	if request.DeviceID != betaDeviceID {
		t.Fatalf("unexpected pairing request from %s", request.DeviceID)
	}
	betaKey, err := d.VerificationKey()
	if err != nil {
		t.Fatalf("VerificationKey failed: %v", err)
	}
	if request.VerificationKey != betaKey {
		t.Fatalf("verification keys differ: %s vs %s", request.VerificationKey, betaKey)
	}

	if err := alpha.manager.AcceptPairing(ctx, betaDeviceID); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}
	waitForState(t, alpha.manager, betaDeviceID, device.StatePairedConnected)
	waitForState(t, beta.manager, alphaDeviceID, device.StatePairedConnected)

	deadline := time.Now().Add(waitTimeout)
	for !beta.ping.Active(alphaDeviceID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := beta.ping.Ping(ctx, alphaDeviceID, "hello"); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	deadline = time.Now().Add(waitTimeout)
	for alpha.ping.Received(betaDeviceID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ping was not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if ok, _ := alpha.store.IsPaired(betaDeviceID, crypto.Fingerprint(beta.identity.Leaf)); !ok {
		t.Fatalf("alpha did not pin beta's certificate")
	}
	if ok, _ := beta.store.IsPaired(alphaDeviceID, crypto.Fingerprint(alpha.identity.Leaf)); !ok {
		t.Fatalf("beta did not pin alpha's certificate")
	}
}

func TestDiscoveredPeerReconnectsAfterChannelLoss(t *testing.T) {
	beta := newHost(t, betaDeviceID, false, ReconnectPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 8})

	alphaCert, err := crypto.GenerateCertificate(alphaDeviceID)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	if err := beta.store.RecordPairing(trust.Record{
		DeviceID:    alphaDeviceID,
		DeviceName:  "alpha",
		Fingerprint: crypto.Fingerprint(alphaCert.Leaf),
		Certificate: alphaCert.Leaf,
	}); err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}

	listener, err := channel.Listen(channel.TCPTransport{}, "127.0.0.1:0", channel.Options{
		Certificate: alphaCert,
		Identity: func() protocol.Identity {
			return protocol.Identity{
				DeviceID:        alphaDeviceID,
				DeviceName:      "alpha",
				DeviceType:      protocol.DeviceTypeDesktop,
				ProtocolVersion: protocol.ProtocolVersion,
				TCPPort:         channel.DefaultTCPPort,
			}
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	beta.service.Discovered(context.Background(), Peer{
		DeviceID: alphaDeviceID,
		Address:  listener.Addr().String(),
		Kind:     channel.KindTCP,
	})

	first := acceptChannel(t, listener)
	waitForState(t, beta.manager, alphaDeviceID, device.StatePairedConnected)

	_ = first.Close()
	second := acceptChannel(t, listener)
	defer second.Close()

	waitForState(t, beta.manager, alphaDeviceID, device.StatePairedConnected)
	if second.PeerIdentity().DeviceID != betaDeviceID {
		t.Fatalf("unexpected reconnecting peer %s", second.PeerIdentity().DeviceID)
	}
}

func acceptChannel(t *testing.T, listener *channel.Listener) *channel.Channel {
	t.Helper()

	select {
	case ch := <-listener.Incoming():
		return ch
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for inbound channel")
		return nil
	}
}

type failingTransport struct {
	dials atomic.Int32
}

func (f *failingTransport) Kind() channel.Kind { return channel.KindTCP }

func (f *failingTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	f.dials.Add(1)
	return nil, errors.New("connection refused")
}

func (f *failingTransport) Listen(address string) (net.Listener, error) {
	return nil, errors.New("not supported")
}

func TestReconnectGivesUpAndReportsUnreachable(t *testing.T) {
	identity, err := trust.NewEphemeralIdentity(betaDeviceID, "beta", "")
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	manager, err := device.NewManager(device.Options{
		Identity:   identity,
		Store:      trust.NewMemoryStore(),
		Dispatcher: plugin.NewDispatcher(nil),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	transport := &failingTransport{}
	svc, err := New(Options{
		Manager:     manager,
		Certificate: identity.Certificate,
		Transports:  []channel.Transport{transport},
		Reconnect:   ReconnectPolicy{Initial: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	svc.Discovered(context.Background(), Peer{DeviceID: alphaDeviceID, Address: "192.0.2.1:1716"})

	ev := waitForEvent(t, manager, device.EventPeerUnreachable)
	if ev.DeviceID != alphaDeviceID {
		t.Fatalf("unexpected unreachable event %+v", ev)
	}
	if got := transport.dials.Load(); got != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", got)
	}
}

func TestLostStopsReconnect(t *testing.T) {
	beta := newHost(t, betaDeviceID, false, ReconnectPolicy{Initial: 20 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 100})

	beta.service.Discovered(context.Background(), Peer{DeviceID: alphaDeviceID, Address: "127.0.0.1:1", Kind: channel.KindTCP})
	if len(beta.service.Peers()) != 1 {
		t.Fatalf("expected discovered peer to be recorded")
	}
	beta.service.Lost(alphaDeviceID)
	if len(beta.service.Peers()) != 0 {
		t.Fatalf("expected peer forgotten")
	}

	select {
	case ev := <-beta.manager.Events():
		if ev.Type == device.EventPeerUnreachable {
			t.Fatalf("lost peer must not be reported unreachable")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDiscoveredIgnoresSelf(t *testing.T) {
	beta := newHost(t, betaDeviceID, false, ReconnectPolicy{})
	beta.service.Discovered(context.Background(), Peer{DeviceID: betaDeviceID, Address: "127.0.0.1:1716"})
	if len(beta.service.Peers()) != 0 {
		t.Fatalf("host must not record itself as a peer")
	}
}

func TestReconnectAttemptUsesConfiguredHandshakeTimeout(t *testing.T) {
	identity, err := trust.NewEphemeralIdentity(alphaDeviceID, "alpha", protocol.DeviceTypeDesktop)
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}
	manager, err := device.NewManager(device.Options{
		Identity:   identity,
		Store:      trust.NewMemoryStore(),
		Dispatcher: plugin.NewDispatcher(nil),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	tests := []struct {
		name       string
		configured time.Duration
		want       time.Duration
	}{
		{name: "configured", configured: 45 * time.Second, want: 45 * time.Second},
		{name: "default", configured: 0, want: channel.DefaultHandshakeTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := New(Options{
				Manager:          manager,
				Certificate:      identity.Certificate,
				HandshakeTimeout: tc.configured,
			})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer svc.Close()
			if got := svc.attemptTimeout(); got != tc.want {
				t.Fatalf("attemptTimeout = %s, want %s", got, tc.want)
			}
		})
	}
}
