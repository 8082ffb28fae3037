package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"devlink/channel"
	"devlink/service"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer has been missing for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// ErrScannerStopped is returned by Refresh once the scanner has been stopped.
var ErrScannerStopped = errors.New("discovery: peer scanner is stopped")

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for the channel service.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	ProtocolVersion int
	HostName        string
	Port            int
	Addresses       []string
	LastSeen        time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p DiscoveredPeer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
}

// ServicePeer converts the discovery record into the channel service's endpoint form.
func (p DiscoveredPeer) ServicePeer() service.Peer {
	return service.Peer{
		DeviceID: p.DeviceID,
		Name:     p.DeviceName,
		Address:  p.Address(),
		Kind:     channel.KindTCP,
	}
}

// Sink receives reachability changes. *service.Service satisfies it.
type Sink interface {
	Discovered(ctx context.Context, peer service.Peer)
	Lost(deviceID string)
}

// Forward relays scanner events into sink until ctx is done or events closes.
func Forward(ctx context.Context, events <-chan Event, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case EventPeerUpserted:
				sink.Discovered(ctx, ev.Peer.ServicePeer())
			case EventPeerRemoved:
				sink.Lost(ev.Peer.DeviceID)
			}
		}
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg    Config
	logger *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		logger:          cfg.Logger,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("discovery: peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the current in-memory discovered peers snapshot.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the available peer list immediately.
	if err := s.runScan(context.Background()); err != nil {
		s.logger.Warn("mDNS scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.logger.Warn("mDNS scan failed", zap.Error(err))
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.Identity.DeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.DeviceID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	// A timeout just means this scan window ended naturally.
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	if s.ctx.Err() != nil {
		return nil
	}
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next, time.Now())
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range next {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.logger.Debug("peer discovered",
				zap.String("device_id", id),
				zap.String("address", peer.Address()),
			)
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, seen := next[id]; seen {
			continue
		}
		if now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.peers, id)
		s.logger.Debug("peer lost", zap.String("device_id", id))
		s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("discovery event dropped", zap.String("device_id", event.Peer.DeviceID))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtProtocol] != "" {
		if parsed, err := strconv.Atoi(txt[txtProtocol]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, family := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		start := len(addresses)
		for _, ip := range family {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
		sort.Strings(addresses[start:])
	}

	name := strings.TrimSpace(txt[txtDeviceName])
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      strings.TrimSpace(txt[txtDeviceType]),
		ProtocolVersion: version,
		HostName:        entry.HostName,
		Port:            entry.Port,
		Addresses:       addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
