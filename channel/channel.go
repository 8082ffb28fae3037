package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"devlink/crypto"
	"devlink/protocol"
)

const (
	// DefaultHandshakeTimeout bounds the TLS handshake and identity exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	defaultInboundBuffer    = 64
)

// Options controls how a raw connection is upgraded into a Channel.
type Options struct {
	// Certificate is the host certificate presented during TLS.
	Certificate tls.Certificate
	// Identity builds the identity packet body sent after TLS.
	Identity func() protocol.Identity
	// HandshakeTimeout bounds TLS plus identity exchange.
	HandshakeTimeout time.Duration
	// InboundBuffer sizes the receive queue.
	InboundBuffer int
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = defaultInboundBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) validate() error {
	if len(o.Certificate.Certificate) == 0 {
		return errors.New("channel: host certificate is required")
	}
	if o.Identity == nil {
		return errors.New("channel: identity builder is required")
	}
	return nil
}

// Channel is an authenticated, packet-framed duplex stream to one peer.
type Channel struct {
	kind        Kind
	conn        net.Conn
	reader      *protocol.Reader
	peer        protocol.Identity
	peerCert    *x509.Certificate
	fingerprint string
	localCert   tls.Certificate
	logger      *zap.Logger

	sendMu sync.Mutex

	inbound chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Connect dials address on transport and upgrades the stream. The dialer is the TLS client.
func Connect(ctx context.Context, transport Transport, address string, options Options) (*Channel, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	raw, err := transport.Dial(dialCtx, address)
	if err != nil {
		return nil, &ConnectError{Kind: transport.Kind(), Address: address, Op: "dial", Err: err}
	}

	ch, err := upgrade(dialCtx, raw, transport.Kind(), true, opts)
	if err != nil {
		return nil, &ConnectError{Kind: transport.Kind(), Address: address, Op: "handshake", Err: err}
	}
	return ch, nil
}

// Accept waits for one inbound stream on listener and upgrades it. The acceptor is the TLS server.
func Accept(ctx context.Context, listener net.Listener, options Options) (*Channel, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	kind := kindOf(listener.Addr())
	raw, err := listener.Accept()
	if err != nil {
		return nil, &ConnectError{Kind: kind, Op: "accept", Err: err}
	}
	return acceptConn(ctx, raw, kind, opts)
}

func acceptConn(ctx context.Context, raw net.Conn, kind Kind, opts Options) (*Channel, error) {
	address := raw.RemoteAddr().String()

	handshakeCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	ch, err := upgrade(handshakeCtx, raw, kind, false, opts)
	if err != nil {
		return nil, &ConnectError{Kind: kind, Address: address, Op: "handshake", Err: err}
	}
	return ch, nil
}

func upgrade(ctx context.Context, raw net.Conn, kind Kind, client bool, opts Options) (*Channel, error) {
	closeRaw := true
	defer func() {
		if closeRaw {
			_ = raw.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	var tlsConn *tls.Conn
	if client {
		tlsConn = tls.Client(raw, clientTLSConfig(opts.Certificate))
	} else {
		tlsConn = tls.Server(raw, serverTLSConfig(opts.Certificate))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	peerCert, err := peerCertificate(tlsConn)
	if err != nil {
		return nil, err
	}
	certID, err := crypto.CommonName(peerCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}

	reader := protocol.NewReader(tlsConn)
	peer, err := exchangeIdentity(tlsConn, reader, opts.Identity())
	if err != nil {
		return nil, err
	}
	if peer.DeviceID != certID {
		return nil, fmt.Errorf("%w: identity %q certificate %q", ErrIdentityMismatch, peer.DeviceID, certID)
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	ch := &Channel{
		kind:        kind,
		conn:        tlsConn,
		reader:      reader,
		peer:        peer,
		peerCert:    peerCert,
		fingerprint: crypto.Fingerprint(peerCert),
		localCert:   opts.Certificate,
		logger: opts.Logger.With(
			zap.String("peer", peer.DeviceID),
			zap.Stringer("transport", kind),
		),
		inbound: make(chan protocol.Packet, opts.InboundBuffer),
		closed:  make(chan struct{}),
	}
	closeRaw = false
	go ch.readLoop()
	return ch, nil
}

// exchangeIdentity writes the local identity while reading the peer's so
// neither side depends on buffering in the underlying stream.
func exchangeIdentity(conn net.Conn, reader *protocol.Reader, local protocol.Identity) (protocol.Identity, error) {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- protocol.WritePacket(conn, protocol.NewIdentityPacket(local))
	}()

	packet, err := reader.ReadPacket()
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("read identity: %w", err)
	}
	if err := <-writeErr; err != nil {
		return protocol.Identity{}, fmt.Errorf("send identity: %w", err)
	}
	peer, err := protocol.ParseIdentity(packet)
	if err != nil {
		return protocol.Identity{}, err
	}
	return peer, nil
}

// Kind returns the transport kind.
func (c *Channel) Kind() Kind {
	return c.kind
}

// PeerIdentity returns the identity the peer announced during the handshake.
func (c *Channel) PeerIdentity() protocol.Identity {
	return c.peer
}

// PeerCertificate returns the certificate presented by the peer.
func (c *Channel) PeerCertificate() *x509.Certificate {
	return c.peerCert
}

// Fingerprint returns the SHA-256 fingerprint of the peer certificate.
func (c *Channel) Fingerprint() string {
	return c.fingerprint
}

// RemoteAddr returns the transport-level peer address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the channel terminates.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal cause, or nil after a clean close.
func (c *Channel) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send writes one packet. Concurrent senders are serialized so packets keep their order.
func (c *Channel) Send(ctx context.Context, p protocol.Packet) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	raw, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	if _, err := c.conn.Write(raw); err != nil {
		c.closeWithError(fmt.Errorf("write packet: %w", err))
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive waits for the next inbound packet.
func (c *Channel) Receive(ctx context.Context) (protocol.Packet, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	default:
	}

	select {
	case p := <-c.inbound:
		return p, nil
	case <-c.closed:
		return protocol.Packet{}, ErrChannelClosed
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

// Close terminates the channel and unblocks all receivers.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Channel) readLoop() {
	for {
		p, err := c.reader.ReadPacket()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Debug("dropping malformed packet", zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read packet: %w", err))
			return
		}

		select {
		case c.inbound <- p:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		if err != nil {
			c.logger.Debug("channel closed", zap.Error(err))
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}

func kindOf(addr net.Addr) Kind {
	if addr == nil {
		return KindUnknown
	}
	switch addr.Network() {
	case "tcp", "tcp4", "tcp6":
		return KindTCP
	case "rfcomm":
		return KindBluetooth
	default:
		return KindUnknown
	}
}
