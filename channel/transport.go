package channel

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Kind identifies the transport a channel runs over.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindBluetooth
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// ParseKind maps a transport name back to its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "tcp", "lan":
		return KindTCP, nil
	case "bluetooth", "bt":
		return KindBluetooth, nil
	default:
		return KindUnknown, fmt.Errorf("channel: unknown transport kind %q", name)
	}
}

// Transport produces raw byte streams for one transport kind.
type Transport interface {
	Kind() Kind
	Dial(ctx context.Context, address string) (net.Conn, error)
	Listen(address string) (net.Listener, error)
}

const (
	// DefaultTCPPort is the conventional listening port for the TCP transport.
	DefaultTCPPort = 1716
	// DefaultDialTimeout bounds a raw dial when ctx carries no deadline.
	DefaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// TCPTransport dials and listens on TCP.
type TCPTransport struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// Kind implements Transport.
func (t TCPTransport) Kind() Kind {
	return KindTCP
}

// Dial implements Transport.
func (t TCPTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   t.DialTimeout,
		KeepAlive: t.KeepAlive,
	}
	if dialer.Timeout <= 0 {
		dialer.Timeout = DefaultDialTimeout
	}
	if dialer.KeepAlive == 0 {
		dialer.KeepAlive = defaultKeepAlive
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// Listen implements Transport.
func (t TCPTransport) Listen(address string) (net.Listener, error) {
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultTCPPort)
	}
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	if lc.KeepAlive == 0 {
		lc.KeepAlive = defaultKeepAlive
	}
	return lc.Listen(context.Background(), "tcp", address)
}
