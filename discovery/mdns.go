package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"devlink/protocol"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_devlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPeerStaleAfter is how long a peer may be missing from scans before it is reported lost.
	DefaultPeerStaleAfter = 30 * time.Second
)

// TXT record keys.
const (
	txtDeviceID   = "id"
	txtDeviceName = "name"
	txtDeviceType = "type"
	txtProtocol   = "protocol"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration

	// Identity is the host identity to announce. Only DeviceID is needed for scanning.
	Identity protocol.Identity

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = DefaultPeerStaleAfter
	}
	if out.PeerStaleAfter < out.RefreshInterval {
		out.PeerStaleAfter = 2 * out.RefreshInterval
	}
	if out.Identity.ProtocolVersion == 0 {
		out.Identity.ProtocolVersion = protocol.ProtocolVersion
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if !protocol.ValidDeviceID(c.Identity.DeviceID) {
		return errors.New("discovery: valid self device ID is required")
	}
	if strings.TrimSpace(c.Identity.DeviceName) == "" {
		return errors.New("discovery: device name is required")
	}
	if c.Identity.TCPPort <= 0 {
		return errors.New("discovery: tcp port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.Identity.DeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	return nil
}

// TXTRecords renders the announcement TXT records for an identity.
func TXTRecords(id protocol.Identity) []string {
	return []string{
		txtDeviceID + "=" + id.DeviceID,
		txtDeviceName + "=" + id.DeviceName,
		txtDeviceType + "=" + id.DeviceType,
		txtProtocol + "=" + strconv.Itoa(id.ProtocolVersion),
	}
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	// The instance name must be unique on the link, so the id rather than the display name is used.
	server, err := cfg.registerFn(cfg.Identity.DeviceID, cfg.Service, cfg.Domain, cfg.Identity.TCPPort, TXTRecords(cfg.Identity), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.Info("announcing on mDNS",
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.Identity.TCPPort),
	)

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
