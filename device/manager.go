package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"devlink/plugin"
	"devlink/protocol"
	"devlink/storage"
	"devlink/trust"
)

var _ plugin.PayloadSender = (*Manager)(nil)

const (
	// DefaultPairingTimeout bounds how long a pairing request waits for a decision.
	DefaultPairingTimeout = 30 * time.Second
	// DefaultSendTimeout bounds internal protocol sends such as pair replies.
	DefaultSendTimeout = 10 * time.Second

	defaultEventBuffer = 128
)

// ApproveFunc decides an incoming pairing request. It must honor ctx, which is
// cancelled when the request times out, is withdrawn, or the device is unpaired.
type ApproveFunc func(ctx context.Context, req PairingRequest) (bool, error)

// SecurityLog persists security-relevant events. *storage.Store implements it.
type SecurityLog interface {
	RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error
}

type endpointRecorder interface {
	RecordEndpoint(deviceID, address, transport string) error
}

// Options configures a Manager.
type Options struct {
	Identity   trust.Identity
	Store      trust.Store
	Dispatcher *plugin.Dispatcher

	// SecurityLog is optional.
	SecurityLog SecurityLog
	Logger      *zap.Logger

	// ApprovePairing, when set, decides incoming requests. Otherwise requests
	// wait for AcceptPairing or RejectPairing.
	ApprovePairing ApproveFunc

	PairingTimeout time.Duration
	SendTimeout    time.Duration
	EventBuffer    int

	// TCPPort is announced in identity packets. See also SetTCPPort.
	TCPPort int
}

// Manager owns every Device, keyed by device id.
type Manager struct {
	identity       trust.Identity
	store          trust.Store
	dispatcher     *plugin.Dispatcher
	security       SecurityLog
	logger         *zap.Logger
	approve        ApproveFunc
	pairingTimeout time.Duration
	sendTimeout    time.Duration
	tcpPort        atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	devices map[string]*Device
	closed  bool

	hookMu         sync.RWMutex
	onDisconnected func(deviceID string, err error)

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
}

// NewManager validates options and restores paired devices from the trust store
// as Paired-Disconnected.
func NewManager(options Options) (*Manager, error) {
	if options.Identity.DeviceID == "" {
		return nil, errors.New("device: identity device id is required")
	}
	if options.Identity.Leaf == nil {
		return nil, errors.New("device: identity certificate is required")
	}
	if options.Store == nil {
		return nil, errors.New("device: trust store is required")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("device: dispatcher is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.PairingTimeout <= 0 {
		options.PairingTimeout = DefaultPairingTimeout
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultSendTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		identity:       options.Identity,
		store:          options.Store,
		dispatcher:     options.Dispatcher,
		security:       options.SecurityLog,
		logger:         options.Logger,
		approve:        options.ApprovePairing,
		pairingTimeout: options.PairingTimeout,
		sendTimeout:    options.SendTimeout,
		ctx:            ctx,
		cancel:         cancel,
		devices:        make(map[string]*Device),
		events:         make(chan Event, options.EventBuffer),
	}
	m.tcpPort.Store(int32(options.TCPPort))

	records, err := options.Store.Records()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load pairing records: %w", err)
	}
	for _, rec := range records {
		if rec.DeviceID == m.identity.DeviceID {
			continue
		}
		m.devices[rec.DeviceID] = restoreDevice(m, rec)
	}
	m.logger.Debug("restored paired devices", zap.Int("count", len(m.devices)))

	m.dispatcher.SetSender(m)
	m.dispatcher.OnCapabilitiesChanged(func() {
		m.spawn(func() {
			ctx, cancel := m.sendContext()
			defer cancel()
			if err := m.Announce(ctx); err != nil {
				m.logger.Debug("announce after capability change failed", zap.Error(err))
			}
		})
	})
	return m, nil
}

// Close cancels pending decisions, closes every channel and stops the event stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	m.cancel()
	for _, d := range devices {
		d.shutdown()
	}
	m.wg.Wait()

	m.eventsMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.eventsMu.Unlock()
	return nil
}

// Events returns state changes, pairing requests and security events.
// Events are dropped when the buffer is full.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SetDisconnectedCallback sets fn to run when a paired device loses its channel
// for a reason other than shutdown or supersession.
func (m *Manager) SetDisconnectedCallback(fn func(deviceID string, err error)) {
	m.hookMu.Lock()
	m.onDisconnected = fn
	m.hookMu.Unlock()
}

// SetTCPPort updates the port announced in identity packets.
func (m *Manager) SetTCPPort(port int) {
	m.tcpPort.Store(int32(port))
}

// LocalIdentity returns the identity packet contents for the host.
func (m *Manager) LocalIdentity() protocol.Identity {
	in, out := m.dispatcher.LocalCapabilities()
	return protocol.Identity{
		DeviceID:             m.identity.DeviceID,
		DeviceName:           m.identity.DeviceName,
		DeviceType:           m.identity.DeviceType,
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: in,
		OutgoingCapabilities: out,
		TCPPort:              int(m.tcpPort.Load()),
	}
}

// Attach hands an authenticated channel to the device for its peer identity,
// creating the device on first contact.
func (m *Manager) Attach(ch Channel) error {
	id := ch.PeerIdentity().DeviceID
	if id == m.identity.DeviceID {
		_ = ch.Close()
		return ErrSelfConnection
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = ch.Close()
			return ErrManagerClosed
		}
		d, ok := m.devices[id]
		if !ok {
			d = newDevice(m, id)
			m.devices[id] = d
		}
		m.mu.Unlock()

		err := d.attach(ch)
		if errors.Is(err, errEvicted) {
			continue
		}
		var violation *TrustViolationError
		if errors.As(err, &violation) {
			m.maybeEvict(d)
		}
		return err
	}
}

// Device returns the device registered under id.
func (m *Manager) Device(id string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// Devices returns every registered device sorted by id.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RequestPairing asks the device to pair.
func (m *Manager) RequestPairing(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.RequestPairing(ctx)
}

// AcceptPairing accepts the device's pending request.
func (m *Manager) AcceptPairing(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.AcceptPairing(ctx)
}

// RejectPairing rejects the device's pending request.
func (m *Manager) RejectPairing(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.RejectPairing(ctx)
}

// Unpair revokes trust in the device. Unknown devices still have any stored record revoked.
func (m *Manager) Unpair(ctx context.Context, deviceID string) error {
	d, ok := m.Device(deviceID)
	if !ok {
		if err := m.store.RevokePairing(deviceID); err != nil {
			return fmt.Errorf("revoke pairing: %w", err)
		}
		return nil
	}
	return d.Unpair(ctx)
}

// SendPacket writes p to the device's live channel. It implements plugin.Sender.
func (m *Manager) SendPacket(ctx context.Context, deviceID string, p protocol.Packet) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.send(ctx, p)
}

// SendPacketWithPayload writes p to the device's live channel and serves the
// payload to the peer. It implements plugin.PayloadSender.
func (m *Manager) SendPacketWithPayload(ctx context.Context, deviceID string, p protocol.Packet, r io.Reader, size int64) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.sendWithPayload(ctx, p, r, size)
}

// DownloadPayload fetches the payload advertised by p from the device.
func (m *Manager) DownloadPayload(ctx context.Context, deviceID string, p protocol.Packet, w io.Writer) (int64, error) {
	d, err := m.lookup(deviceID)
	if err != nil {
		return 0, err
	}
	return d.downloadPayload(ctx, p, w)
}

// Announce re-sends the local identity to every paired, connected device and
// recomputes their negotiated sets.
func (m *Manager) Announce(ctx context.Context) error {
	local := m.LocalIdentity()
	var errs []error
	for _, d := range m.Devices() {
		if err := d.announce(ctx, local); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyUnreachable publishes a peer-unreachable event for deviceID.
func (m *Manager) NotifyUnreachable(deviceID string, err error) {
	ev := Event{Type: EventPeerUnreachable, DeviceID: deviceID, State: StatePairedDisconnected}
	if d, ok := m.Device(deviceID); ok {
		ev.DeviceName = d.Name()
		ev.State = d.State()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.logger.Warn("peer unreachable", zap.String("device", deviceID), zap.Error(err))
	m.emit(ev)
}

func (m *Manager) lookup(deviceID string) (*Device, error) {
	d, ok := m.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d, nil
}

func (m *Manager) maybeEvict(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[d.id] != d {
		return
	}
	if d.evictIfIdle() {
		delete(m.devices, d.id)
		m.logger.Debug("evicted idle device", zap.String("device", d.id))
	}
}

func (m *Manager) deviceDisconnected(d *Device, paired bool, cause error) {
	if m.ctx.Err() != nil {
		return
	}
	if !paired {
		m.maybeEvict(d)
		return
	}

	m.hookMu.RLock()
	fn := m.onDisconnected
	m.hookMu.RUnlock()
	if fn != nil {
		fn(d.id, cause)
	}
}

func (m *Manager) reportTrustViolation(ch Channel, violation *TrustViolationError) {
	details := map[string]any{
		"pinned_fingerprint":    violation.Pinned,
		"presented_fingerprint": violation.Presented,
		"transport":             ch.Kind().String(),
	}
	if addr := ch.RemoteAddr(); addr != nil {
		details["address"] = addr.String()
	}
	m.logger.Warn("certificate mismatch for paired device",
		zap.String("device", violation.DeviceID),
		zap.String("pinned", violation.Pinned),
		zap.String("presented", violation.Presented),
	)
	m.recordSecurity(storage.SecurityEventTrustViolation, violation.DeviceID, storage.SecuritySeverityCritical, details)

	ev := Event{
		Type:     EventTrustViolation,
		DeviceID: violation.DeviceID,
		Error:    violation.Error(),
	}
	if d, ok := m.Device(violation.DeviceID); ok {
		ev.DeviceName = d.Name()
		ev.State = d.State()
	}
	m.emit(ev)
}

func (m *Manager) recordSecurity(eventType, deviceID, severity string, details map[string]any) {
	if m.security == nil {
		return
	}
	if err := m.security.RecordSecurityEvent(eventType, deviceID, severity, details); err != nil {
		m.logger.Warn("record security event failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (m *Manager) recordEndpoint(deviceID string, ch Channel) {
	recorder, ok := m.store.(endpointRecorder)
	if !ok {
		return
	}
	addr := ch.RemoteAddr()
	if addr == nil {
		return
	}
	if err := recorder.RecordEndpoint(deviceID, addr.String(), ch.Kind().String()); err != nil {
		m.logger.Debug("record endpoint failed", zap.String("device", deviceID), zap.Error(err))
	}
}

func (m *Manager) emitState(d *Device) {
	info := d.Info()
	m.emit(Event{
		Type:       EventStateChanged,
		DeviceID:   info.ID,
		DeviceName: info.Name,
		State:      info.State,
	})
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("dropping device event", zap.String("type", string(ev.Type)), zap.String("device", ev.DeviceID))
	}
}

// spawn runs fn on a tracked goroutine unless the manager is closed.
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.sendTimeout)
}
