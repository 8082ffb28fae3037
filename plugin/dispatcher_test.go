package plugin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"devlink/protocol"
)

const (
	typeBattery   = "kdeconnect.battery"
	typeClipboard = "kdeconnect.clipboard"
	typeSMS       = "kdeconnect.sms.messages"
)

type recordingHandler struct {
	name string

	mu          sync.Mutex
	packets     []protocol.Packet
	activated   []string
	deactivated []string
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Activate(device DeviceInfo) {
	h.mu.Lock()
	h.activated = append(h.activated, device.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) Deactivate(device DeviceInfo) {
	h.mu.Lock()
	h.deactivated = append(h.deactivated, device.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) HandlePacket(device DeviceInfo, p protocol.Packet) {
	h.mu.Lock()
	h.packets = append(h.packets, p)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Packet
}

func (s *recordingSender) SendPacket(ctx context.Context, deviceID string, p protocol.Packet) error {
	s.mu.Lock()
	s.sent = append(s.sent, p)
	s.mu.Unlock()
	return nil
}

func TestNegotiateBatteryClipboardScenario(t *testing.T) {
	d := NewDispatcher(nil)
	sender := &recordingSender{}
	d.SetSender(sender)

	handler := &recordingHandler{name: "status"}
	if err := d.Register(handler, nil, []string{typeBattery, typeClipboard}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	localIn, localOut := d.LocalCapabilities()
	activeIn, activeOut := Negotiate(localIn, localOut, []string{typeBattery}, nil)
	if !reflect.DeepEqual(activeOut, []string{typeBattery}) {
		t.Fatalf("expected active outgoing {battery}, got %v", activeOut)
	}
	if len(activeIn) != 0 {
		t.Fatalf("expected empty active incoming, got %v", activeIn)
	}

	d.Activate(DeviceInfo{ID: "phone"}, activeIn, activeOut)

	ctx := context.Background()
	if err := d.Send(ctx, "phone", protocol.NewPacket(typeBattery, nil)); err != nil {
		t.Fatalf("battery Send failed: %v", err)
	}
	err := d.Send(ctx, "phone", protocol.NewPacket(typeClipboard, nil))
	if !errors.Is(err, ErrCapabilityRejected) {
		t.Fatalf("expected ErrCapabilityRejected, got %v", err)
	}
	var rejected *CapabilityRejectedError
	if !errors.As(err, &rejected) || rejected.Type != typeClipboard || rejected.DeviceID != "phone" {
		t.Fatalf("unexpected rejection %#v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != typeBattery {
		t.Fatalf("expected only battery to reach the sender, got %#v", sender.sent)
	}
}

type payloadSender struct {
	recordingSender
	payload []byte
}

func (s *payloadSender) SendPacketWithPayload(ctx context.Context, deviceID string, p protocol.Packet, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.payload = data
	s.mu.Unlock()
	return s.SendPacket(ctx, deviceID, p)
}

func (s *payloadSender) DownloadPayload(ctx context.Context, deviceID string, p protocol.Packet, w io.Writer) (int64, error) {
	n, err := w.Write([]byte("remote bytes"))
	return int64(n), err
}

func TestPayloadTransfersFollowNegotiatedSets(t *testing.T) {
	d := NewDispatcher(nil)
	sender := &payloadSender{}
	d.SetSender(sender)
	d.Activate(DeviceInfo{ID: "phone"}, []string{typeSMS}, []string{typeBattery})

	ctx := context.Background()
	if err := d.SendWithPayload(ctx, "phone", protocol.NewPacket(typeBattery, nil), strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("SendWithPayload failed: %v", err)
	}
	if string(sender.payload) != "hello" || len(sender.sent) != 1 {
		t.Fatalf("unexpected payload send %q %#v", sender.payload, sender.sent)
	}
	if err := d.SendWithPayload(ctx, "phone", protocol.NewPacket(typeClipboard, nil), strings.NewReader("x"), 1); !errors.Is(err, ErrCapabilityRejected) {
		t.Fatalf("expected ErrCapabilityRejected, got %v", err)
	}

	inbound := protocol.NewPacket(typeSMS, nil)
	inbound.PayloadSize = 12
	var buf bytes.Buffer
	if n, err := d.DownloadPayload(ctx, "phone", inbound, &buf); err != nil || n != 12 || buf.String() != "remote bytes" {
		t.Fatalf("DownloadPayload = %d %q %v", n, buf.String(), err)
	}
	if _, err := d.DownloadPayload(ctx, "phone", protocol.NewPacket(typeSMS, nil), &buf); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload, got %v", err)
	}
	outside := protocol.NewPacket(typeBattery, nil)
	outside.PayloadSize = 1
	if _, err := d.DownloadPayload(ctx, "phone", outside, &buf); err == nil {
		t.Fatalf("expected download outside the incoming set to fail")
	}

	d.SetSender(&recordingSender{})
	if err := d.SendWithPayload(ctx, "phone", protocol.NewPacket(typeBattery, nil), strings.NewReader("x"), 1); !errors.Is(err, ErrPayloadUnsupported) {
		t.Fatalf("expected ErrPayloadUnsupported, got %v", err)
	}
}

func TestSendRejectsUnknownDevice(t *testing.T) {
	d := NewDispatcher(nil)
	d.SetSender(&recordingSender{})

	if err := d.Send(context.Background(), "ghost", protocol.NewPacket(typeBattery, nil)); !errors.Is(err, ErrCapabilityRejected) {
		t.Fatalf("expected ErrCapabilityRejected, got %v", err)
	}
}

func TestRegisterDuplicateTypes(t *testing.T) {
	d := NewDispatcher(nil)
	first := &recordingHandler{name: "first"}
	second := &recordingHandler{name: "second"}

	if err := d.Register(first, []string{typeSMS}, nil); err != nil {
		t.Fatalf("Register first failed: %v", err)
	}
	if err := d.Register(second, []string{typeSMS}, nil); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("expected ErrDuplicateType, got %v", err)
	}
	if err := d.Register(second, []string{typeSMS}, nil, WithFanOut()); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("expected ErrDuplicateType when only one side opted into fan-out, got %v", err)
	}
	if err := d.Register(first, []string{typeBattery}, nil); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if err := d.Register(&recordingHandler{name: "empty"}, []string{""}, nil); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestFanOutDeliversToEveryHandler(t *testing.T) {
	d := NewDispatcher(nil)
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b"}
	if err := d.Register(a, []string{typeSMS}, nil, WithFanOut()); err != nil {
		t.Fatalf("Register a failed: %v", err)
	}
	if err := d.Register(b, []string{typeSMS}, nil, WithFanOut()); err != nil {
		t.Fatalf("Register b failed: %v", err)
	}

	d.Activate(DeviceInfo{ID: "phone"}, []string{typeSMS}, nil)
	if n := d.RouteInbound("phone", protocol.NewPacket(typeSMS, nil)); n != 2 {
		t.Fatalf("expected delivery to 2 handlers, got %d", n)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both handlers to receive once, got %d and %d", a.count(), b.count())
	}
}

func TestRouteInboundDropsInactiveAndUnregisteredTypes(t *testing.T) {
	d := NewDispatcher(nil)
	battery := &recordingHandler{name: "battery"}
	if err := d.Register(battery, []string{typeBattery}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if n := d.RouteInbound("phone", protocol.NewPacket(typeBattery, nil)); n != 0 {
		t.Fatalf("expected drop for device without routes, got %d", n)
	}

	d.Activate(DeviceInfo{ID: "phone"}, []string{typeClipboard}, nil)
	if n := d.RouteInbound("phone", protocol.NewPacket(typeBattery, nil)); n != 0 {
		t.Fatalf("expected drop for inactive type, got %d", n)
	}
	if n := d.RouteInbound("phone", protocol.NewPacket(typeClipboard, nil)); n != 0 {
		t.Fatalf("expected drop for type without handler, got %d", n)
	}

	d.Activate(DeviceInfo{ID: "phone"}, []string{typeBattery}, nil)
	if n := d.RouteInbound("phone", protocol.NewPacket(typeBattery, nil)); n != 1 {
		t.Fatalf("expected delivery once active, got %d", n)
	}
	if n := d.RouteInbound("tablet", protocol.NewPacket(typeBattery, nil)); n != 0 {
		t.Fatalf("expected other devices to stay isolated, got %d", n)
	}
}

func TestActivateDiffsHandlerLifecycle(t *testing.T) {
	d := NewDispatcher(nil)
	battery := &recordingHandler{name: "battery"}
	clipboard := &recordingHandler{name: "clipboard"}
	if err := d.Register(battery, []string{typeBattery}, []string{typeBattery}); err != nil {
		t.Fatalf("Register battery failed: %v", err)
	}
	if err := d.Register(clipboard, []string{typeClipboard}, []string{typeClipboard}); err != nil {
		t.Fatalf("Register clipboard failed: %v", err)
	}

	device := DeviceInfo{ID: "phone", Name: "Phone"}
	d.Activate(device, []string{typeBattery}, nil)
	d.Activate(device, []string{typeBattery, typeClipboard}, nil)
	d.Activate(device, []string{typeClipboard}, []string{typeClipboard})

	if !reflect.DeepEqual(battery.activated, []string{"phone"}) || !reflect.DeepEqual(battery.deactivated, []string{"phone"}) {
		t.Fatalf("unexpected battery lifecycle: +%v -%v", battery.activated, battery.deactivated)
	}
	if !reflect.DeepEqual(clipboard.activated, []string{"phone"}) || len(clipboard.deactivated) != 0 {
		t.Fatalf("unexpected clipboard lifecycle: +%v -%v", clipboard.activated, clipboard.deactivated)
	}

	in, out, ok := d.ActiveCapabilities("phone")
	if !ok || !reflect.DeepEqual(in, []string{typeClipboard}) || !reflect.DeepEqual(out, []string{typeClipboard}) {
		t.Fatalf("unexpected active capabilities %v %v %v", in, out, ok)
	}

	d.Deactivate("phone")
	if !reflect.DeepEqual(clipboard.deactivated, []string{"phone"}) {
		t.Fatalf("expected clipboard deactivated on device teardown, got %v", clipboard.deactivated)
	}
	if _, _, ok := d.ActiveCapabilities("phone"); ok {
		t.Fatalf("expected no routes after Deactivate")
	}
	if err := d.Send(context.Background(), "phone", protocol.NewPacket(typeClipboard, nil)); !errors.Is(err, ErrCapabilityRejected) {
		t.Fatalf("expected rejection after Deactivate, got %v", err)
	}
}

func TestUnregisterDeactivatesAndNotifies(t *testing.T) {
	d := NewDispatcher(nil)
	changes := 0
	d.OnCapabilitiesChanged(func() { changes++ })

	battery := &recordingHandler{name: "battery"}
	if err := d.Register(battery, []string{typeBattery}, []string{typeBattery}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d.Activate(DeviceInfo{ID: "phone"}, []string{typeBattery}, []string{typeBattery})

	d.Unregister(battery)
	d.Unregister(battery)

	if changes != 2 {
		t.Fatalf("expected 2 capability change notifications, got %d", changes)
	}
	if !reflect.DeepEqual(battery.deactivated, []string{"phone"}) {
		t.Fatalf("expected battery deactivated on unregister, got %v", battery.deactivated)
	}
	in, out := d.LocalCapabilities()
	if len(in) != 0 || len(out) != 0 {
		t.Fatalf("expected empty local capabilities, got %v %v", in, out)
	}
	if n := d.RouteInbound("phone", protocol.NewPacket(typeBattery, nil)); n != 0 {
		t.Fatalf("expected no delivery after unregister, got %d", n)
	}
}

func TestPingHandler(t *testing.T) {
	d := NewDispatcher(nil)
	sender := &recordingSender{}
	d.SetSender(sender)

	var got []string
	ping, err := RegisterPing(d, nil, func(device DeviceInfo, message string) {
		got = append(got, device.ID+":"+message)
	})
	if err != nil {
		t.Fatalf("RegisterPing failed: %v", err)
	}

	in, out := d.LocalCapabilities()
	activeIn, activeOut := Negotiate(in, out, []string{protocol.TypePing}, []string{protocol.TypePing})
	d.Activate(DeviceInfo{ID: "phone"}, activeIn, activeOut)
	if !ping.Active("phone") {
		t.Fatalf("expected ping handler active")
	}

	d.RouteInbound("phone", protocol.NewPacket(protocol.TypePing, map[string]any{"message": "hi"}))
	if ping.Received("phone") != 1 || !reflect.DeepEqual(got, []string{"phone:hi"}) {
		t.Fatalf("unexpected ping bookkeeping %d %v", ping.Received("phone"), got)
	}

	if err := ping.Ping(context.Background(), "phone", "back"); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != protocol.TypePing {
		t.Fatalf("unexpected sent packets %#v", sender.sent)
	}
	if err := ping.Ping(context.Background(), "tablet", ""); !errors.Is(err, ErrCapabilityRejected) {
		t.Fatalf("expected rejection for unnegotiated device, got %v", err)
	}
}
