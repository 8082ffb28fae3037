package device

import (
	"context"
	"errors"
	"testing"

	"devlink/crypto"
	"devlink/plugin"
	"devlink/protocol"
	"devlink/trust"
)

type pingHandler struct {
	countingHandler
}

func TestNewManagerRestoresPairedDevices(t *testing.T) {
	store := trust.NewMemoryStore()
	cert, err := crypto.GenerateCertificate(peerDeviceID)
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	if err := store.RecordPairing(trust.Record{
		DeviceID:    peerDeviceID,
		DeviceName:  "phone",
		DeviceType:  protocol.DeviceTypePhone,
		Fingerprint: crypto.Fingerprint(cert.Leaf),
		Certificate: cert.Leaf,
	}); err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}

	env := newTestEnv(t, func(o *Options) { o.Store = store })
	devices := env.manager.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 restored device, got %d", len(devices))
	}
	info := devices[0].Info()
	if info.ID != peerDeviceID || info.Name != "phone" || info.State != StatePairedDisconnected || info.Connected {
		t.Fatalf("unexpected restored device %+v", info)
	}

	ch := newFakeChannelWithCert(peerIdentity(peerDeviceID, nil, nil), cert.Leaf)
	if err := env.manager.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	waitForState(t, devices[0], StatePairedConnected)
}

func TestNewManagerValidatesOptions(t *testing.T) {
	identity, err := trust.NewEphemeralIdentity(hostDeviceID, "host", "")
	if err != nil {
		t.Fatalf("NewEphemeralIdentity failed: %v", err)
	}

	tests := []struct {
		name    string
		options Options
	}{
		{name: "missing identity", options: Options{Store: trust.NewMemoryStore(), Dispatcher: plugin.NewDispatcher(nil)}},
		{name: "missing store", options: Options{Identity: identity, Dispatcher: plugin.NewDispatcher(nil)}},
		{name: "missing dispatcher", options: Options{Identity: identity, Store: trust.NewMemoryStore()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.options); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRegisterReannouncesToConnectedDevices(t *testing.T) {
	env := newTestEnv(t)
	ch := newFakeChannel(t, peerIdentity(peerDeviceID, []string{"kdeconnect.ping"}, []string{"kdeconnect.ping"}))
	pinChannel(t, env.store, ch)
	if err := env.manager.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	d := mustDevice(t, env.manager, peerDeviceID)
	ch.nextSent(t, protocol.TypeIdentity)
	waitForState(t, d, StatePairedConnected)

	ping := &pingHandler{countingHandler{name: "ping"}}
	if err := env.dispatcher.Register(ping, []string{"kdeconnect.ping"}, []string{"kdeconnect.ping"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	announced, err := protocol.ParseIdentity(ch.nextSent(t, protocol.TypeIdentity))
	if err != nil {
		t.Fatalf("ParseIdentity failed: %v", err)
	}
	found := false
	for _, c := range announced.IncomingCapabilities {
		found = found || c == "kdeconnect.ping"
	}
	if !found {
		t.Fatalf("expected re-announced identity to include ping, got %v", announced.IncomingCapabilities)
	}
	waitFor(t, func() bool { return ping.isActive(peerDeviceID) }, "ping activation")
}

func TestDevicesAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	first := newFakeChannel(t, peerIdentity(peerDeviceID, nil, nil))
	second := newFakeChannel(t, peerIdentity(otherDeviceID, nil, nil))
	if err := env.manager.Attach(first); err != nil {
		t.Fatalf("Attach first failed: %v", err)
	}
	if err := env.manager.Attach(second); err != nil {
		t.Fatalf("Attach second failed: %v", err)
	}

	first.push(protocol.NewPairPacket(true))
	waitForState(t, mustDevice(t, env.manager, peerDeviceID), StatePairingRequestedIncoming)

	if got := mustDevice(t, env.manager, otherDeviceID).State(); got != StateUnpaired {
		t.Fatalf("pairing one device must not affect another, got %s", got)
	}
	if len(env.manager.Devices()) != 2 {
		t.Fatalf("expected 2 devices")
	}
}

func TestUnknownDeviceOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.manager.RequestPairing(ctx, peerDeviceID); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if err := env.manager.SendPacket(ctx, peerDeviceID, protocol.NewPacket(typeBattery, nil)); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if err := env.manager.Unpair(ctx, peerDeviceID); err != nil {
		t.Fatalf("Unpair of unknown device should be a no-op, got %v", err)
	}
}

func TestNotifyUnreachableEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.manager.NotifyUnreachable(peerDeviceID, errors.New("dial refused"))

	ev := waitForEvent(t, env.manager, func(ev Event) bool { return ev.Type == EventPeerUnreachable })
	if ev.DeviceID != peerDeviceID || ev.Error != "dial refused" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCloseStopsEventsAndChannels(t *testing.T) {
	env := newTestEnv(t)
	ch := newFakeChannel(t, peerIdentity(peerDeviceID, nil, nil))
	if err := env.manager.Attach(ch); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := env.manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !ch.isClosed() {
		t.Fatalf("expected channel closed on manager shutdown")
	}
	for range env.manager.Events() {
	}

	late := newFakeChannel(t, peerIdentity(otherDeviceID, nil, nil))
	if err := env.manager.Attach(late); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}
