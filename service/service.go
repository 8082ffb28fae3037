package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"devlink/channel"
	"devlink/device"
)

// Reconnect defaults.
const (
	DefaultReconnectInitial     = time.Second
	DefaultReconnectMax         = 60 * time.Second
	DefaultReconnectMaxAttempts = 8
)

var (
	// ErrNoTransport indicates no transport is configured for a kind.
	ErrNoTransport = errors.New("service: no transport for kind")
	// ErrUnexpectedPeer indicates a dialed endpoint answered with another device id.
	ErrUnexpectedPeer = errors.New("service: endpoint answered as a different device")
	// ErrClosed indicates the service has stopped.
	ErrClosed = errors.New("service: closed")
)

// Peer is a reachable endpoint reported by discovery.
type Peer struct {
	DeviceID string
	Name     string
	Address  string
	Kind     channel.Kind
}

// Endpoint is one transport listener to open.
type Endpoint struct {
	Transport channel.Transport
	Address   string
}

// ReconnectPolicy bounds the exponential reconnect backoff.
type ReconnectPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultReconnectInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultReconnectMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectMaxAttempts
	}
	return p
}

// Options configures a Service.
type Options struct {
	Manager     *device.Manager
	Certificate tls.Certificate

	// Listen lists the transports to accept on. Dial transports default to the
	// listening ones plus TCP.
	Listen     []Endpoint
	Transports []channel.Transport

	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
	Logger           *zap.Logger
}

// Service accepts and dials channels and hands them to the device manager.
type Service struct {
	manager    *device.Manager
	chOptions  channel.Options
	listen     []Endpoint
	transports map[channel.Kind]channel.Transport
	reconnect  ReconnectPolicy
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	listeners []*channel.Listener
	peers     map[string]Peer
	workers   map[string]*reconnectWorker
}

// New validates options and builds a stopped service.
func New(options Options) (*Service, error) {
	if options.Manager == nil {
		return nil, errors.New("service: manager is required")
	}
	if len(options.Certificate.Certificate) == 0 {
		return nil, errors.New("service: certificate is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = channel.DefaultHandshakeTimeout
	}

	transports := map[channel.Kind]channel.Transport{
		channel.KindTCP: channel.TCPTransport{},
	}
	for _, ep := range options.Listen {
		if ep.Transport == nil {
			return nil, errors.New("service: listen endpoint without transport")
		}
		transports[ep.Transport.Kind()] = ep.Transport
	}
	for _, tr := range options.Transports {
		transports[tr.Kind()] = tr
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		manager:    options.Manager,
		listen:     options.Listen,
		transports: transports,
		reconnect:  options.Reconnect.withDefaults(),
		logger:     options.Logger,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]Peer),
		workers:    make(map[string]*reconnectWorker),
	}
	s.chOptions = channel.Options{
		Certificate:      options.Certificate,
		Identity:         options.Manager.LocalIdentity,
		HandshakeTimeout: options.HandshakeTimeout,
		Logger:           options.Logger.Named("channel"),
	}
	options.Manager.SetDisconnectedCallback(s.deviceDisconnected)
	return s, nil
}

// attemptTimeout bounds one reconnect dial including its handshake.
func (s *Service) attemptTimeout() time.Duration {
	return s.chOptions.HandshakeTimeout
}

// Start opens every configured listener.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	for _, ep := range s.listen {
		ln, err := channel.Listen(ep.Transport, ep.Address, s.chOptions)
		if err != nil {
			for _, open := range s.listeners {
				_ = open.Close()
			}
			s.listeners = nil
			return err
		}
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			s.manager.SetTCPPort(tcp.Port)
		}
		s.logger.Info("listening", zap.Stringer("transport", ln.Kind()), zap.String("address", ln.Addr().String()))

		s.listeners = append(s.listeners, ln)
		s.wg.Add(2)
		go s.acceptLoop(ln)
		go s.errorLoop(ln)
	}
	s.started = true
	return nil
}

// Close stops listeners and reconnect workers. Channels stay with the manager.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	for id, w := range s.workers {
		w.cancel()
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// Addr returns the listening address for kind, or nil.
func (s *Service) Addr(kind channel.Kind) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Kind() == kind {
			return ln.Addr()
		}
	}
	return nil
}

// Connect dials address over kind and attaches the resulting channel.
func (s *Service) Connect(ctx context.Context, kind channel.Kind, address string) (*device.Device, error) {
	return s.connect(ctx, "", kind, address)
}

func (s *Service) connect(ctx context.Context, expectedID string, kind channel.Kind, address string) (*device.Device, error) {
	transport, ok := s.transports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, kind)
	}

	ch, err := channel.Connect(ctx, transport, address, s.chOptions)
	if err != nil {
		return nil, err
	}
	peerID := ch.PeerIdentity().DeviceID
	if expectedID != "" && peerID != expectedID {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedPeer, expectedID, peerID)
	}
	if err := s.manager.Attach(ch); err != nil {
		return nil, err
	}
	d, ok := s.manager.Device(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownDevice, peerID)
	}
	return d, nil
}

// Discovered records a reachable peer and connects to it unless a channel is live.
// Connection attempts run in the background and outlive ctx.
func (s *Service) Discovered(ctx context.Context, peer Peer) {
	if ctx.Err() != nil || peer.DeviceID == "" || peer.Address == "" {
		return
	}
	if peer.DeviceID == s.manager.LocalIdentity().DeviceID {
		return
	}
	if peer.Kind == channel.KindUnknown {
		peer.Kind = channel.KindTCP
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.peers[peer.DeviceID] = peer
	s.mu.Unlock()

	if d, ok := s.manager.Device(peer.DeviceID); ok && d.Connected() {
		return
	}
	s.logger.Debug("peer discovered",
		zap.String("device", peer.DeviceID),
		zap.String("address", peer.Address),
		zap.Stringer("transport", peer.Kind),
	)
	s.startReconnect(peer.DeviceID, false)
}

// Lost forgets a peer and stops any reconnect attempts toward it.
func (s *Service) Lost(deviceID string) {
	s.mu.Lock()
	delete(s.peers, deviceID)
	w, ok := s.workers[deviceID]
	if ok {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()

	if ok {
		w.cancel()
	}
	s.logger.Debug("peer lost", zap.String("device", deviceID))
}

// Peers returns the currently reachable peers.
func (s *Service) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Service) acceptLoop(ln *channel.Listener) {
	defer s.wg.Done()

	for ch := range ln.Incoming() {
		if err := s.manager.Attach(ch); err != nil {
			s.logger.Warn("attach inbound channel failed",
				zap.String("peer", ch.PeerIdentity().DeviceID),
				zap.Stringer("transport", ln.Kind()),
				zap.Error(err),
			)
			continue
		}
		s.stopReconnect(ch.PeerIdentity().DeviceID)
	}
}

func (s *Service) errorLoop(ln *channel.Listener) {
	defer s.wg.Done()

	for err := range ln.Errors() {
		s.logger.Debug("inbound connection failed", zap.Stringer("transport", ln.Kind()), zap.Error(err))
	}
}

func (s *Service) deviceDisconnected(deviceID string, cause error) {
	s.mu.Lock()
	_, reachable := s.peers[deviceID]
	s.mu.Unlock()
	if !reachable {
		return
	}
	s.logger.Debug("reconnecting to paired device", zap.String("device", deviceID), zap.Error(cause))
	s.startReconnect(deviceID, true)
}

type reconnectWorker struct {
	cancel context.CancelFunc
}

// startReconnect launches a reconnect worker. With replace set, a running
// worker is cancelled first so a fresh attempt budget starts now.
func (s *Service) startReconnect(deviceID string, replace bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if existing, running := s.workers[deviceID]; running {
		if !replace {
			s.mu.Unlock()
			return
		}
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	w := &reconnectWorker{cancel: cancel}
	s.workers[deviceID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.finishReconnect(deviceID, w)
		s.reconnectLoop(ctx, deviceID)
	}()
}

func (s *Service) stopReconnect(deviceID string) {
	s.mu.Lock()
	w, ok := s.workers[deviceID]
	if ok {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (s *Service) finishReconnect(deviceID string, w *reconnectWorker) {
	w.cancel()
	s.mu.Lock()
	if s.workers[deviceID] == w {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnect.Initial
	policy.MaxInterval = s.reconnect.Max
	policy.MaxElapsedTime = 0
	policy.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(s.reconnect.MaxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// reconnectLoop dials the peer until a channel attaches, the peer is lost, or
// the attempt budget runs out.
func (s *Service) reconnectLoop(ctx context.Context, deviceID string) {
	b := s.newBackOff(ctx)
	attempt := 0
	var lastErr error

	for {
		s.mu.Lock()
		peer, reachable := s.peers[deviceID]
		s.mu.Unlock()
		if !reachable {
			return
		}
		if d, ok := s.manager.Device(deviceID); ok && d.Connected() {
			return
		}

		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout())
		_, err := s.connect(attemptCtx, deviceID, peer.Kind, peer.Address)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		var violation *device.TrustViolationError
		if errors.As(err, &violation) {
			s.logger.Warn("not reconnecting after trust violation", zap.String("device", deviceID))
			return
		}
		lastErr = err

		if attempt >= s.reconnect.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		s.logger.Debug("reconnect attempt failed",
			zap.String("device", deviceID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	s.manager.NotifyUnreachable(deviceID, fmt.Errorf("gave up after %d attempts: %w", attempt, lastErr))
}
