package device

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"devlink/channel"
	"devlink/crypto"
	"devlink/plugin"
	"devlink/protocol"
	"devlink/storage"
	"devlink/trust"
)

// Channel is the live link a Device owns. *channel.Channel implements it.
type Channel interface {
	Kind() channel.Kind
	PeerIdentity() protocol.Identity
	PeerCertificate() *x509.Certificate
	Fingerprint() string
	RemoteAddr() net.Addr
	Send(ctx context.Context, p protocol.Packet) error
	SendWithPayload(ctx context.Context, p protocol.Packet, r io.Reader, size int64) error
	DownloadPayload(ctx context.Context, p protocol.Packet, w io.Writer) (int64, error)
	Receive(ctx context.Context) (protocol.Packet, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

type pairState int

const (
	pairNone pairState = iota
	pairRequestedIncoming
	pairRequestedOutgoing
	pairPaired
)

// Device is one remote peer. It survives reconnects and owns at most one Channel.
type Device struct {
	id      string
	manager *Manager
	logger  *zap.Logger

	// routeMu orders dispatcher activation for this device without holding mu
	// across handler callbacks.
	routeMu sync.Mutex
	// attachMu serializes channel replacement so the old channel is closed
	// before the new one is installed.
	attachMu sync.Mutex

	mu         sync.Mutex
	identity   protocol.Identity
	pairing    pairState
	record     trust.Record
	ch         Channel
	chGen      uint64
	transport  channel.Kind
	address    string
	lastSeen   time.Time
	negotiated bool
	activeIn   []string
	activeOut  []string
	evicted    bool

	pairGen    uint64
	pairTimer  *time.Timer
	pairCancel context.CancelFunc
	pairStamp  int64
	// pairCh is the channel a pending request was made on. The request can only
	// complete on that channel, with the certificate it presented.
	pairCh          Channel
	pairFingerprint string
}

func newDevice(m *Manager, id string) *Device {
	return &Device{
		id:       id,
		manager:  m,
		logger:   m.logger.With(zap.String("device", id)),
		identity: protocol.Identity{DeviceID: id},
	}
}

func restoreDevice(m *Manager, rec trust.Record) *Device {
	d := newDevice(m, rec.DeviceID)
	d.identity.DeviceName = rec.DeviceName
	d.identity.DeviceType = rec.DeviceType
	d.pairing = pairPaired
	d.record = rec
	return d
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.id
}

// Name returns the last announced display name.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity.DeviceName
}

// State returns the current pairing and connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

// Connected reports whether a live channel is attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch != nil
}

// Identity returns the peer's most recent identity packet.
func (d *Device) Identity() protocol.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// ActiveCapabilities returns the negotiated incoming and outgoing sets.
func (d *Device) ActiveCapabilities() (incoming, outgoing []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.activeIn...), append([]string(nil), d.activeOut...)
}

// Info returns a snapshot of the device.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := Info{
		ID:             d.id,
		Name:           d.identity.DeviceName,
		Type:           d.identity.DeviceType,
		State:          d.stateLocked(),
		Connected:      d.ch != nil,
		Address:        d.address,
		ActiveIncoming: append([]string{}, d.activeIn...),
		ActiveOutgoing: append([]string{}, d.activeOut...),
		LastSeen:       d.lastSeen,
	}
	if d.transport != channel.KindUnknown {
		info.Transport = d.transport.String()
	}
	switch {
	case d.pairing == pairPaired:
		info.Fingerprint = d.record.Fingerprint
		info.PairedAt = d.record.TrustedAt
	case d.ch != nil:
		info.Fingerprint = d.ch.Fingerprint()
	}
	return info
}

// VerificationKey returns the short code for the pending or live pairing.
func (d *Device) VerificationKey() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verificationKeyLocked()
}

func (d *Device) verificationKeyLocked() (string, error) {
	var peer *x509.Certificate
	switch {
	case d.ch != nil:
		peer = d.ch.PeerCertificate()
	case d.record.Certificate != nil:
		peer = d.record.Certificate
	default:
		return "", ErrNotConnected
	}
	return crypto.VerificationKey(d.manager.identity.Leaf, peer, d.pairStamp)
}

func (d *Device) stateLocked() State {
	switch d.pairing {
	case pairRequestedIncoming:
		return StatePairingRequestedIncoming
	case pairRequestedOutgoing:
		return StatePairingRequestedOutgoing
	case pairPaired:
		if d.ch != nil {
			return StatePairedConnected
		}
		return StatePairedDisconnected
	default:
		return StateUnpaired
	}
}

func (d *Device) infoLocked() plugin.DeviceInfo {
	return plugin.DeviceInfo{ID: d.id, Name: d.identity.DeviceName, Type: d.identity.DeviceType}
}

// attach makes ch the device's live channel, closing any previous one.
func (d *Device) attach(ch Channel) error {
	fingerprint := ch.Fingerprint()
	verdict, rec, err := trust.Evaluate(d.manager.store, d.id, fingerprint)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if verdict == trust.VerdictMismatch {
		_ = ch.Close()
		violation := &TrustViolationError{DeviceID: d.id, Pinned: rec.Fingerprint, Presented: fingerprint}
		d.manager.reportTrustViolation(ch, violation)
		return violation
	}

	d.attachMu.Lock()
	defer d.attachMu.Unlock()

	d.mu.Lock()
	if d.evicted {
		d.mu.Unlock()
		return errEvicted
	}
	previous := d.ch
	cancelled := false
	if previous != nil {
		// Detach first so the old read loop does not report a disconnect.
		d.chGen++
		d.ch = nil
		d.negotiated = false
		if d.pairing == pairRequestedIncoming || d.pairing == pairRequestedOutgoing {
			d.cancelPendingLocked()
			d.pairing = pairNone
			cancelled = true
		}
	}
	d.mu.Unlock()

	if previous != nil {
		d.logger.Debug("superseding channel", zap.Bool("pairing_cancelled", cancelled))
		_ = previous.Close()
	}

	d.mu.Lock()
	if d.evicted {
		d.mu.Unlock()
		return errEvicted
	}
	d.chGen++
	gen := d.chGen
	d.ch = ch
	d.identity = ch.PeerIdentity()
	d.transport = ch.Kind()
	if addr := ch.RemoteAddr(); addr != nil {
		d.address = addr.String()
	}
	d.lastSeen = time.Now()
	d.negotiated = false
	switch {
	case verdict == trust.VerdictTrusted:
		if d.pairing != pairPaired {
			d.cancelPendingLocked()
		}
		d.pairing = pairPaired
		d.record = rec
	case d.pairing == pairPaired:
		d.logger.Warn("pairing record vanished, treating device as unpaired")
		d.pairing = pairNone
		d.record = trust.Record{}
	}
	paired := d.pairing == pairPaired
	d.mu.Unlock()

	if !d.manager.spawn(func() { d.readLoop(ch, gen) }) {
		_ = ch.Close()
		return ErrManagerClosed
	}

	d.logger.Info("channel attached",
		zap.Stringer("transport", ch.Kind()),
		zap.String("remote", d.address),
		zap.Bool("paired", paired),
	)
	d.manager.emitState(d)
	if paired {
		d.manager.recordEndpoint(d.id, ch)
		d.onPairedConnected(ch, gen)
	}
	return nil
}

func (d *Device) readLoop(ch Channel, gen uint64) {
	for {
		p, err := ch.Receive(d.manager.ctx)
		if err != nil {
			d.channelClosed(ch, gen)
			return
		}
		d.handlePacket(ch, gen, p)
	}
}

func (d *Device) channelClosed(ch Channel, gen uint64) {
	_ = ch.Close()

	d.mu.Lock()
	if d.chGen != gen || d.ch != ch {
		d.mu.Unlock()
		return
	}
	d.ch = nil
	d.negotiated = false
	d.activeIn, d.activeOut = nil, nil
	if d.pairing == pairRequestedIncoming || d.pairing == pairRequestedOutgoing {
		d.cancelPendingLocked()
		d.pairing = pairNone
	}
	paired := d.pairing == pairPaired
	d.mu.Unlock()

	d.logger.Info("channel closed", zap.Error(ch.Err()))
	d.syncRoutes()
	d.manager.emitState(d)
	d.manager.deviceDisconnected(d, paired, ch.Err())
}

func (d *Device) handlePacket(ch Channel, gen uint64, p protocol.Packet) {
	switch p.Type {
	case protocol.TypePair:
		accept, err := protocol.ParsePair(p)
		if err != nil {
			d.logger.Debug("dropping malformed pair packet", zap.Error(err))
			return
		}
		d.handlePair(ch, gen, accept, p)
	case protocol.TypeIdentity:
		d.handleIdentity(gen, p)
	default:
		d.mu.Lock()
		current := d.chGen == gen
		paired := d.pairing == pairPaired
		d.mu.Unlock()
		if !current {
			return
		}
		if !paired {
			d.logger.Debug("dropping packet from unpaired device", zap.String("type", p.Type))
			return
		}
		d.manager.dispatcher.RouteInbound(d.id, p)
	}
}

func (d *Device) handleIdentity(gen uint64, p protocol.Packet) {
	peer, err := protocol.ParseIdentity(p)
	if err != nil {
		d.logger.Debug("dropping malformed identity packet", zap.Error(err))
		return
	}
	if peer.DeviceID != d.id {
		d.logger.Warn("dropping identity packet for another device", zap.String("announced", peer.DeviceID))
		return
	}

	d.mu.Lock()
	if d.chGen != gen {
		d.mu.Unlock()
		return
	}
	d.identity = peer
	if d.pairing == pairPaired && d.ch != nil {
		d.negotiateLocked()
	}
	d.mu.Unlock()

	d.syncRoutes()
	d.manager.emitState(d)
}

func (d *Device) handlePair(ch Channel, gen uint64, accept bool, p protocol.Packet) {
	d.mu.Lock()
	if d.chGen != gen {
		d.mu.Unlock()
		return
	}

	switch {
	case accept && d.pairing == pairNone:
		stamp, ok := protocol.PairTimestamp(p)
		if !ok {
			stamp = time.Now().Unix()
		}
		d.pairing = pairRequestedIncoming
		ctx, pairGen := d.beginPairingLocked(ch, stamp)
		req := PairingRequest{
			DeviceID:    d.id,
			DeviceName:  d.identity.DeviceName,
			DeviceType:  d.identity.DeviceType,
			Fingerprint: ch.Fingerprint(),
		}
		if key, err := d.verificationKeyLocked(); err == nil {
			req.VerificationKey = key
		}
		d.mu.Unlock()

		d.logger.Info("pairing requested by peer")
		d.manager.emitState(d)
		d.manager.emit(Event{
			Type:            EventPairingRequested,
			DeviceID:        d.id,
			DeviceName:      req.DeviceName,
			State:           StatePairingRequestedIncoming,
			VerificationKey: req.VerificationKey,
		})
		if approve := d.manager.approve; approve != nil {
			d.manager.spawn(func() { d.awaitApproval(ctx, pairGen, approve, req) })
		}

	case accept && d.pairing == pairRequestedOutgoing:
		err := d.completePairingLocked(ch)
		d.mu.Unlock()
		if err != nil {
			d.logger.Error("persist pairing failed", zap.Error(err))
			_ = ch.Close()
			return
		}
		d.pairingCompleted(ch, gen)

	case accept && d.pairing == pairPaired:
		d.mu.Unlock()
		// The peer lost its record but still presents the pinned certificate.
		d.logger.Debug("confirming pairing for already paired peer")
		ctx, cancel := d.manager.sendContext()
		defer cancel()
		if err := ch.Send(ctx, protocol.NewPairPacket(true)); err != nil {
			d.logger.Debug("confirm pairing failed", zap.Error(err))
		}

	case !accept && (d.pairing == pairRequestedIncoming || d.pairing == pairRequestedOutgoing):
		outgoing := d.pairing == pairRequestedOutgoing
		d.cancelPendingLocked()
		d.pairing = pairNone
		d.mu.Unlock()

		if outgoing {
			d.logger.Info("pairing rejected by peer")
			d.manager.recordSecurity(storage.SecurityEventPairingRejected, d.id, storage.SecuritySeverityInfo, map[string]any{"by": "peer"})
		} else {
			d.logger.Info("pairing request withdrawn by peer")
		}
		d.manager.emitState(d)
		_ = ch.Close()

	case !accept && d.pairing == pairPaired:
		d.mu.Unlock()
		d.logger.Info("unpaired by peer")
		if err := d.dropPairing(context.Background(), false, "peer"); err != nil {
			d.logger.Warn("revoke pairing failed", zap.Error(err))
		}

	default:
		d.mu.Unlock()
	}
}

// RequestPairing asks the peer to pair. An incoming request is accepted instead.
func (d *Device) RequestPairing(ctx context.Context) error {
	d.mu.Lock()
	switch d.pairing {
	case pairPaired:
		d.mu.Unlock()
		return ErrAlreadyPaired
	case pairRequestedOutgoing:
		d.mu.Unlock()
		return nil
	case pairRequestedIncoming:
		d.mu.Unlock()
		return d.resolveIncoming(ctx, 0, true)
	}
	ch := d.ch
	if ch == nil {
		d.mu.Unlock()
		return ErrNotConnected
	}
	stamp := time.Now().Unix()
	d.pairing = pairRequestedOutgoing
	_, pairGen := d.beginPairingLocked(ch, stamp)
	d.mu.Unlock()

	d.manager.emitState(d)
	if err := ch.Send(ctx, protocol.NewPairRequestPacket(stamp)); err != nil {
		d.mu.Lock()
		if d.pairGen == pairGen && d.pairing == pairRequestedOutgoing {
			d.cancelPendingLocked()
			d.pairing = pairNone
		}
		d.mu.Unlock()
		d.manager.emitState(d)
		return fmt.Errorf("send pair request: %w", err)
	}
	d.logger.Info("pairing requested")
	return nil
}

// AcceptPairing accepts the pending incoming request.
func (d *Device) AcceptPairing(ctx context.Context) error {
	return d.resolveIncoming(ctx, 0, true)
}

// RejectPairing rejects the pending incoming request and closes the channel.
func (d *Device) RejectPairing(ctx context.Context) error {
	return d.resolveIncoming(ctx, 0, false)
}

// Unpair revokes trust from any state and closes the channel.
func (d *Device) Unpair(ctx context.Context) error {
	return d.dropPairing(ctx, true, "local")
}

func (d *Device) awaitApproval(ctx context.Context, pairGen uint64, approve ApproveFunc, req PairingRequest) {
	accept, err := approve(ctx, req)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.logger.Warn("pairing approval failed", zap.Error(err))
		return
	}

	sendCtx, cancel := d.manager.sendContext()
	defer cancel()
	if err := d.resolveIncoming(sendCtx, pairGen, accept); err != nil && !errors.Is(err, ErrNoPendingRequest) {
		d.logger.Warn("resolve pairing failed", zap.Error(err))
	}
}

// resolveIncoming answers the pending incoming request. pairGen 0 matches any request.
func (d *Device) resolveIncoming(ctx context.Context, pairGen uint64, accept bool) error {
	d.mu.Lock()
	if d.pairing != pairRequestedIncoming || (pairGen != 0 && pairGen != d.pairGen) || d.ch == nil || d.ch != d.pairCh {
		d.mu.Unlock()
		return ErrNoPendingRequest
	}
	ch, gen := d.ch, d.chGen

	if !accept {
		d.cancelPendingLocked()
		d.pairing = pairNone
		d.mu.Unlock()

		d.logger.Info("pairing rejected")
		d.manager.recordSecurity(storage.SecurityEventPairingRejected, d.id, storage.SecuritySeverityInfo, map[string]any{"by": "local"})
		d.manager.emitState(d)
		err := ch.Send(ctx, protocol.NewPairPacket(false))
		_ = ch.Close()
		if err != nil {
			return fmt.Errorf("send pair rejection: %w", err)
		}
		return nil
	}

	if err := d.completePairingLocked(ch); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if err := ch.Send(ctx, protocol.NewPairPacket(true)); err != nil {
		return fmt.Errorf("send pair acceptance: %w", err)
	}
	d.pairingCompleted(ch, gen)
	return nil
}

// completePairingLocked pins the channel certificate and moves to paired.
// ch must be the channel the pending request was made on.
func (d *Device) completePairingLocked(ch Channel) error {
	if d.pairCh != ch || ch.Fingerprint() != d.pairFingerprint {
		return ErrPairingSuperseded
	}
	rec := trust.Record{
		DeviceID:    d.id,
		DeviceName:  d.identity.DeviceName,
		DeviceType:  d.identity.DeviceType,
		Fingerprint: ch.Fingerprint(),
		Certificate: ch.PeerCertificate(),
		TrustedAt:   time.Now(),
	}
	if err := d.manager.store.RecordPairing(rec); err != nil {
		return fmt.Errorf("record pairing: %w", err)
	}
	d.cancelPendingLocked()
	d.pairing = pairPaired
	d.record = rec
	return nil
}

func (d *Device) pairingCompleted(ch Channel, gen uint64) {
	d.logger.Info("paired")
	d.manager.recordSecurity(storage.SecurityEventPairingAccepted, d.id, storage.SecuritySeverityInfo, map[string]any{
		"fingerprint": ch.Fingerprint(),
	})
	d.manager.recordEndpoint(d.id, ch)
	d.manager.emitState(d)
	d.onPairedConnected(ch, gen)
}

// dropPairing moves to unpaired, revokes the record and closes the channel.
func (d *Device) dropPairing(ctx context.Context, notify bool, by string) error {
	d.mu.Lock()
	ch := d.ch
	wasPaired := d.pairing == pairPaired
	d.cancelPendingLocked()
	d.pairing = pairNone
	d.record = trust.Record{}
	d.negotiated = false
	d.activeIn, d.activeOut = nil, nil
	d.mu.Unlock()

	err := d.manager.store.RevokePairing(d.id)
	d.syncRoutes()
	if ch != nil {
		if notify {
			if sendErr := ch.Send(ctx, protocol.NewPairPacket(false)); sendErr != nil {
				d.logger.Debug("send unpair failed", zap.Error(sendErr))
			}
		}
		_ = ch.Close()
	}
	if wasPaired {
		d.manager.recordSecurity(storage.SecurityEventUnpaired, d.id, storage.SecuritySeverityInfo, map[string]any{"by": by})
	}
	d.manager.emitState(d)
	d.manager.maybeEvict(d)
	if err != nil {
		return fmt.Errorf("revoke pairing: %w", err)
	}
	return nil
}

// beginPairingLocked arms the decision timeout for a request made on ch and
// returns the context that bounds the decision wait.
func (d *Device) beginPairingLocked(ch Channel, stamp int64) (context.Context, uint64) {
	d.cancelPendingLocked()
	d.pairGen++
	pairGen := d.pairGen
	d.pairStamp = stamp
	d.pairCh = ch
	d.pairFingerprint = ch.Fingerprint()

	ctx, cancel := context.WithCancel(d.manager.ctx)
	d.pairCancel = cancel
	d.pairTimer = time.AfterFunc(d.manager.pairingTimeout, func() {
		d.pairingExpired(pairGen)
	})
	return ctx, pairGen
}

func (d *Device) cancelPendingLocked() {
	if d.pairTimer != nil {
		d.pairTimer.Stop()
		d.pairTimer = nil
	}
	if d.pairCancel != nil {
		d.pairCancel()
		d.pairCancel = nil
	}
	d.pairCh = nil
	d.pairFingerprint = ""
	d.pairGen++
}

func (d *Device) pairingExpired(pairGen uint64) {
	d.mu.Lock()
	if d.pairGen != pairGen || (d.pairing != pairRequestedIncoming && d.pairing != pairRequestedOutgoing) {
		d.mu.Unlock()
		return
	}
	d.cancelPendingLocked()
	d.pairing = pairNone
	ch := d.ch
	d.mu.Unlock()

	d.logger.Info("pairing request timed out", zap.Duration("timeout", d.manager.pairingTimeout))
	d.manager.recordSecurity(storage.SecurityEventPairingTimeout, d.id, storage.SecuritySeverityInfo, nil)
	d.manager.emitState(d)
	if ch != nil {
		_ = ch.Close()
	}
}

// onPairedConnected announces the local identity and activates routes.
func (d *Device) onPairedConnected(ch Channel, gen uint64) {
	ctx, cancel := d.manager.sendContext()
	err := ch.Send(ctx, protocol.NewIdentityPacket(d.manager.LocalIdentity()))
	cancel()
	if err != nil {
		d.logger.Debug("send capability identity failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	if d.chGen == gen && d.ch == ch && d.pairing == pairPaired {
		d.negotiateLocked()
	}
	d.mu.Unlock()
	d.syncRoutes()
}

// announce re-sends the local identity and renegotiates against the peer's last identity.
func (d *Device) announce(ctx context.Context, local protocol.Identity) error {
	d.mu.Lock()
	ch := d.ch
	if ch == nil || d.pairing != pairPaired {
		d.mu.Unlock()
		return nil
	}
	d.negotiateLocked()
	d.mu.Unlock()

	d.syncRoutes()
	if err := ch.Send(ctx, protocol.NewIdentityPacket(local)); err != nil {
		return fmt.Errorf("announce to %s: %w", d.id, err)
	}
	return nil
}

func (d *Device) negotiateLocked() {
	localIn, localOut := d.manager.dispatcher.LocalCapabilities()
	d.activeIn, d.activeOut = plugin.Negotiate(localIn, localOut, d.identity.IncomingCapabilities, d.identity.OutgoingCapabilities)
	d.negotiated = true
}

// syncRoutes reconciles dispatcher routes with the current state.
func (d *Device) syncRoutes() {
	d.routeMu.Lock()
	defer d.routeMu.Unlock()

	d.mu.Lock()
	active := d.negotiated && d.ch != nil && d.pairing == pairPaired
	info := d.infoLocked()
	in := append([]string(nil), d.activeIn...)
	out := append([]string(nil), d.activeOut...)
	d.mu.Unlock()

	if active {
		d.manager.dispatcher.Activate(info, in, out)
		return
	}
	d.manager.dispatcher.Deactivate(d.id)
}

func (d *Device) send(ctx context.Context, p protocol.Packet) error {
	ch, err := d.liveChannel()
	if err != nil {
		return err
	}
	return ch.Send(ctx, p)
}

func (d *Device) liveChannel() (Channel, error) {
	d.mu.Lock()
	ch := d.ch
	paired := d.pairing == pairPaired
	d.mu.Unlock()

	if !paired {
		return nil, ErrNotPaired
	}
	if ch == nil {
		return nil, ErrNotConnected
	}
	return ch, nil
}

func (d *Device) sendWithPayload(ctx context.Context, p protocol.Packet, r io.Reader, size int64) error {
	ch, err := d.liveChannel()
	if err != nil {
		return err
	}
	return ch.SendWithPayload(ctx, p, r, size)
}

func (d *Device) downloadPayload(ctx context.Context, p protocol.Packet, w io.Writer) (int64, error) {
	ch, err := d.liveChannel()
	if err != nil {
		return 0, err
	}
	return ch.DownloadPayload(ctx, p, w)
}

// evictIfIdle marks an unpaired, disconnected device as evicted.
func (d *Device) evictIfIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pairing != pairNone || d.ch != nil {
		return false
	}
	d.evicted = true
	return true
}

func (d *Device) shutdown() {
	d.mu.Lock()
	d.cancelPendingLocked()
	if d.pairing == pairRequestedIncoming || d.pairing == pairRequestedOutgoing {
		d.pairing = pairNone
	}
	ch := d.ch
	d.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}
