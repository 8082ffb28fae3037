package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"devlink/protocol"
)

var (
	// ErrDuplicateType indicates two handlers claim one incoming type without opting into fan-out.
	ErrDuplicateType = errors.New("plugin: packet type already registered")
	// ErrAlreadyRegistered indicates the handler is registered already.
	ErrAlreadyRegistered = errors.New("plugin: handler already registered")
	// ErrCapabilityRejected indicates a send outside the negotiated outgoing set.
	ErrCapabilityRejected = errors.New("plugin: capability not negotiated")
	// ErrNoSender indicates the dispatcher has no transport to send through.
	ErrNoSender = errors.New("plugin: no sender configured")
	// ErrPayloadUnsupported indicates the configured sender cannot move payloads.
	ErrPayloadUnsupported = errors.New("plugin: sender does not support payloads")
	// ErrNoPayload indicates a download for a packet that advertises no payload.
	ErrNoPayload = errors.New("plugin: packet carries no payload")
)

// CapabilityRejectedError reports a packet type the device never agreed to receive.
type CapabilityRejectedError struct {
	DeviceID string
	Type     string
}

func (e *CapabilityRejectedError) Error() string {
	return fmt.Sprintf("plugin: %q is not an active outgoing capability for device %s", e.Type, e.DeviceID)
}

func (e *CapabilityRejectedError) Is(target error) bool {
	return target == ErrCapabilityRejected
}

// DeviceInfo describes the device a handler is acting for.
type DeviceInfo struct {
	ID   string
	Name string
	Type string
}

// Handler implements one capability. Implementations are compared by identity,
// so they are normally pointers.
type Handler interface {
	Name() string
	Activate(device DeviceInfo)
	Deactivate(device DeviceInfo)
	HandlePacket(device DeviceInfo, p protocol.Packet)
}

// Sender delivers a packet to a device's live channel.
type Sender interface {
	SendPacket(ctx context.Context, deviceID string, p protocol.Packet) error
}

// PayloadSender is implemented by senders that can move out-of-band payloads.
type PayloadSender interface {
	SendPacketWithPayload(ctx context.Context, deviceID string, p protocol.Packet, r io.Reader, size int64) error
	DownloadPayload(ctx context.Context, deviceID string, p protocol.Packet, w io.Writer) (int64, error)
}

// RegisterOption adjusts one registration.
type RegisterOption func(*registration)

// WithFanOut marks the registration as an intentional fan-out for its incoming types.
func WithFanOut() RegisterOption {
	return func(r *registration) {
		r.fanOut = true
	}
}

type registration struct {
	handler  Handler
	incoming map[string]struct{}
	outgoing map[string]struct{}
	fanOut   bool
}

func (r *registration) relevantTo(d *deviceRoutes) bool {
	for t := range r.incoming {
		if _, ok := d.incoming[t]; ok {
			return true
		}
	}
	for t := range r.outgoing {
		if _, ok := d.outgoing[t]; ok {
			return true
		}
	}
	return false
}

type deviceRoutes struct {
	info     DeviceInfo
	incoming map[string]struct{}
	outgoing map[string]struct{}
	active   map[Handler]struct{}
}

// Dispatcher routes packets between devices and capability handlers by packet type.
type Dispatcher struct {
	logger *zap.Logger

	mu            sync.RWMutex
	registrations []*registration
	routes        map[string][]*registration
	devices       map[string]*deviceRoutes
	sender        Sender
	onChanged     func()
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		routes:  make(map[string][]*registration),
		devices: make(map[string]*deviceRoutes),
	}
}

// SetSender wires the outbound transport.
func (d *Dispatcher) SetSender(sender Sender) {
	d.mu.Lock()
	d.sender = sender
	d.mu.Unlock()
}

// OnCapabilitiesChanged sets a hook run after the local capability union changes.
func (d *Dispatcher) OnCapabilitiesChanged(fn func()) {
	d.mu.Lock()
	d.onChanged = fn
	d.mu.Unlock()
}

// Register adds a handler for the given packet types.
func (d *Dispatcher) Register(h Handler, incoming, outgoing []string, opts ...RegisterOption) error {
	if h == nil {
		return errors.New("plugin: nil handler")
	}
	reg := &registration{
		handler:  h,
		incoming: toSet(incoming),
		outgoing: toSet(outgoing),
	}
	for _, opt := range opts {
		opt(reg)
	}
	for t := range reg.incoming {
		if t == "" {
			return fmt.Errorf("plugin: %s declares an empty incoming type", h.Name())
		}
	}
	for t := range reg.outgoing {
		if t == "" {
			return fmt.Errorf("plugin: %s declares an empty outgoing type", h.Name())
		}
	}

	d.mu.Lock()
	for _, existing := range d.registrations {
		if existing.handler == h {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, h.Name())
		}
	}
	for t := range reg.incoming {
		for _, existing := range d.routes[t] {
			if !reg.fanOut || !existing.fanOut {
				d.mu.Unlock()
				return fmt.Errorf("%w: %q claimed by %s and %s", ErrDuplicateType, t, existing.handler.Name(), h.Name())
			}
		}
	}

	d.registrations = append(d.registrations, reg)
	for t := range reg.incoming {
		d.routes[t] = append(d.routes[t], reg)
	}
	onChanged := d.onChanged
	d.mu.Unlock()

	d.logger.Debug("handler registered",
		zap.String("handler", h.Name()),
		zap.Strings("incoming", sortedKeys(reg.incoming)),
		zap.Strings("outgoing", sortedKeys(reg.outgoing)),
	)
	if onChanged != nil {
		onChanged()
	}
	return nil
}

// Unregister removes a handler and deactivates it on every device it was active for.
func (d *Dispatcher) Unregister(h Handler) {
	d.mu.Lock()
	index := -1
	for i, reg := range d.registrations {
		if reg.handler == h {
			index = i
			break
		}
	}
	if index < 0 {
		d.mu.Unlock()
		return
	}

	reg := d.registrations[index]
	d.registrations = append(d.registrations[:index], d.registrations[index+1:]...)
	for t := range reg.incoming {
		remaining := d.routes[t][:0]
		for _, other := range d.routes[t] {
			if other != reg {
				remaining = append(remaining, other)
			}
		}
		if len(remaining) == 0 {
			delete(d.routes, t)
		} else {
			d.routes[t] = remaining
		}
	}

	deactivate := make([]DeviceInfo, 0)
	for _, dev := range d.devices {
		if _, ok := dev.active[h]; ok {
			delete(dev.active, h)
			deactivate = append(deactivate, dev.info)
		}
	}
	onChanged := d.onChanged
	d.mu.Unlock()

	for _, info := range deactivate {
		h.Deactivate(info)
	}
	if onChanged != nil {
		onChanged()
	}
}

// LocalCapabilities returns the sorted union of registered incoming and outgoing types.
func (d *Dispatcher) LocalCapabilities() (incoming, outgoing []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	in := make(map[string]struct{})
	out := make(map[string]struct{})
	for _, reg := range d.registrations {
		for t := range reg.incoming {
			in[t] = struct{}{}
		}
		for t := range reg.outgoing {
			out[t] = struct{}{}
		}
	}
	return sortedKeys(in), sortedKeys(out)
}

// Activate installs the negotiated sets for a device and runs handler Activate/Deactivate
// for handlers whose relevance changed.
func (d *Dispatcher) Activate(device DeviceInfo, activeIncoming, activeOutgoing []string) {
	d.mu.Lock()
	dev, ok := d.devices[device.ID]
	if !ok {
		dev = &deviceRoutes{active: make(map[Handler]struct{})}
		d.devices[device.ID] = dev
	}
	dev.info = device
	dev.incoming = toSet(activeIncoming)
	dev.outgoing = toSet(activeOutgoing)

	var activate, deactivate []Handler
	for _, reg := range d.registrations {
		_, wasActive := dev.active[reg.handler]
		relevant := reg.relevantTo(dev)
		switch {
		case relevant && !wasActive:
			dev.active[reg.handler] = struct{}{}
			activate = append(activate, reg.handler)
		case !relevant && wasActive:
			delete(dev.active, reg.handler)
			deactivate = append(deactivate, reg.handler)
		}
	}
	d.mu.Unlock()

	d.logger.Debug("device routes activated",
		zap.String("device", device.ID),
		zap.Strings("incoming", activeIncoming),
		zap.Strings("outgoing", activeOutgoing),
	)
	for _, h := range deactivate {
		h.Deactivate(device)
	}
	for _, h := range activate {
		h.Activate(device)
	}
}

// Deactivate removes every route for a device.
func (d *Dispatcher) Deactivate(deviceID string) {
	d.mu.Lock()
	dev, ok := d.devices[deviceID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.devices, deviceID)

	handlers := make([]Handler, 0, len(dev.active))
	for _, reg := range d.registrations {
		if _, ok := dev.active[reg.handler]; ok {
			handlers = append(handlers, reg.handler)
		}
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h.Deactivate(dev.info)
	}
}

// ActiveCapabilities returns the negotiated sets for a device.
func (d *Dispatcher) ActiveCapabilities(deviceID string) (incoming, outgoing []string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return nil, nil, false
	}
	return sortedKeys(dev.incoming), sortedKeys(dev.outgoing), true
}

// RouteInbound delivers p to every handler registered for its type, provided the
// type is active-incoming for the device. It returns the number of handlers reached.
func (d *Dispatcher) RouteInbound(deviceID string, p protocol.Packet) int {
	d.mu.RLock()
	dev, ok := d.devices[deviceID]
	if !ok {
		d.mu.RUnlock()
		d.logger.Debug("dropping packet for inactive device", zap.String("device", deviceID), zap.String("type", p.Type))
		return 0
	}
	if _, active := dev.incoming[p.Type]; !active {
		d.mu.RUnlock()
		d.logger.Debug("dropping packet outside negotiated incoming set", zap.String("device", deviceID), zap.String("type", p.Type))
		return 0
	}
	regs := append([]*registration(nil), d.routes[p.Type]...)
	info := dev.info
	d.mu.RUnlock()

	if len(regs) == 0 {
		d.logger.Debug("dropping packet without handler", zap.String("device", deviceID), zap.String("type", p.Type))
		return 0
	}
	for _, reg := range regs {
		reg.handler.HandlePacket(info, p)
	}
	return len(regs)
}

// Send delivers p to a device if its type is in the device's active-outgoing set.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, p protocol.Packet) error {
	d.mu.RLock()
	dev, ok := d.devices[deviceID]
	var active bool
	if ok {
		_, active = dev.outgoing[p.Type]
	}
	sender := d.sender
	d.mu.RUnlock()

	if !active {
		return &CapabilityRejectedError{DeviceID: deviceID, Type: p.Type}
	}
	if sender == nil {
		return ErrNoSender
	}
	return sender.SendPacket(ctx, deviceID, p)
}

// SendWithPayload is Send for a packet carrying size bytes read from r. It
// blocks until the peer has fetched the payload.
func (d *Dispatcher) SendWithPayload(ctx context.Context, deviceID string, p protocol.Packet, r io.Reader, size int64) error {
	d.mu.RLock()
	dev, ok := d.devices[deviceID]
	var active bool
	if ok {
		_, active = dev.outgoing[p.Type]
	}
	sender := d.sender
	d.mu.RUnlock()

	if !active {
		return &CapabilityRejectedError{DeviceID: deviceID, Type: p.Type}
	}
	if sender == nil {
		return ErrNoSender
	}
	ps, ok := sender.(PayloadSender)
	if !ok {
		return ErrPayloadUnsupported
	}
	return ps.SendPacketWithPayload(ctx, deviceID, p, r, size)
}

// DownloadPayload fetches the payload advertised by an inbound packet into w.
// The packet type must be active-incoming for the device.
func (d *Dispatcher) DownloadPayload(ctx context.Context, deviceID string, p protocol.Packet, w io.Writer) (int64, error) {
	if !p.HasPayload() {
		return 0, ErrNoPayload
	}
	d.mu.RLock()
	dev, ok := d.devices[deviceID]
	var active bool
	if ok {
		_, active = dev.incoming[p.Type]
	}
	sender := d.sender
	d.mu.RUnlock()

	if !active {
		return 0, fmt.Errorf("plugin: %q is not an active incoming capability for device %s", p.Type, deviceID)
	}
	if sender == nil {
		return 0, ErrNoSender
	}
	ps, ok := sender.(PayloadSender)
	if !ok {
		return 0, ErrPayloadUnsupported
	}
	return ps.DownloadPayload(ctx, deviceID, p, w)
}

// Negotiate computes the active sets: outgoing = localOut ∩ remoteIn, incoming = localIn ∩ remoteOut.
func Negotiate(localIncoming, localOutgoing, remoteIncoming, remoteOutgoing []string) (activeIncoming, activeOutgoing []string) {
	return intersect(localIncoming, remoteOutgoing), intersect(localOutgoing, remoteIncoming)
}

func intersect(a, b []string) []string {
	other := toSet(b)
	out := make(map[string]struct{})
	for _, t := range a {
		if _, ok := other[t]; ok {
			out[t] = struct{}{}
		}
	}
	return sortedKeys(out)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
