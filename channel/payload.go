package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"devlink/crypto"
	"devlink/protocol"
)

// DefaultPayloadTimeout bounds how long a payload offer waits for the peer to connect.
const DefaultPayloadTimeout = 30 * time.Second

// SendWithPayload sends p with an out-of-band payload of size bytes read from r.
//
// A one-shot TLS listener is opened on an ephemeral TCP port and advertised in
// payloadTransferInfo. The call returns once the peer holding the channel's
// certificate has fetched the payload, or ctx ends.
func (c *Channel) SendWithPayload(ctx context.Context, p protocol.Packet, r io.Reader, size int64) error {
	if c.kind != KindTCP {
		return ErrPayloadUnsupported
	}

	host := ""
	if local, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		host = local.IP.String()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return fmt.Errorf("open payload listener: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	p.PayloadSize = size
	p.PayloadTransferInfo = map[string]any{"port": float64(port)}
	if err := c.Send(ctx, p); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPayloadTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("wait for payload peer: %w", ctx.Err())
			}
			return fmt.Errorf("accept payload connection: %w", err)
		}

		err = c.servePayload(ctx, raw, r, size)
		if errors.Is(err, ErrPayloadPeerMismatch) {
			c.logger.Warn("rejected payload connection", zap.String("remote", raw.RemoteAddr().String()))
			continue
		}
		return err
	}
}

func (c *Channel) servePayload(ctx context.Context, raw net.Conn, r io.Reader, size int64) error {
	defer raw.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	conn := tls.Server(raw, serverTLSConfig(c.localCert))
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadPeerMismatch, err)
	}
	if err := c.checkPayloadPeer(conn); err != nil {
		return err
	}

	src := r
	if size >= 0 {
		src = io.LimitReader(r, size)
	}
	if _, err := io.Copy(conn, src); err != nil {
		return fmt.Errorf("stream payload: %w", err)
	}
	return conn.Close()
}

// DownloadPayload fetches the payload advertised by p into w.
func (c *Channel) DownloadPayload(ctx context.Context, p protocol.Packet, w io.Writer) (int64, error) {
	if c.kind != KindTCP {
		return 0, ErrPayloadUnsupported
	}
	if !p.HasPayload() {
		return 0, errors.New("channel: packet carries no payload")
	}
	port, ok := toPort(p.PayloadTransferInfo["port"])
	if !ok {
		return 0, errors.New("channel: payload transfer info has no valid port")
	}
	remote, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0, ErrPayloadUnsupported
	}

	address := net.JoinHostPort(remote.IP.String(), strconv.Itoa(port))
	raw, err := TCPTransport{}.Dial(ctx, address)
	if err != nil {
		return 0, &ConnectError{Kind: KindTCP, Address: address, Op: "payload dial", Err: err}
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	conn := tls.Client(raw, clientTLSConfig(c.localCert))
	if err := conn.HandshakeContext(ctx); err != nil {
		return 0, &ConnectError{Kind: KindTCP, Address: address, Op: "payload handshake", Err: err}
	}
	if err := c.checkPayloadPeer(conn); err != nil {
		return 0, err
	}

	var n int64
	if p.PayloadSize > 0 {
		n, err = io.CopyN(w, conn, p.PayloadSize)
	} else {
		n, err = io.Copy(w, conn)
	}
	if err != nil {
		return n, fmt.Errorf("read payload: %w", err)
	}
	return n, nil
}

func (c *Channel) checkPayloadPeer(conn *tls.Conn) error {
	cert, err := peerCertificate(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadPeerMismatch, err)
	}
	if crypto.Fingerprint(cert) != c.fingerprint {
		return ErrPayloadPeerMismatch
	}
	return nil
}

func toPort(v any) (int, bool) {
	var n int64
	switch x := v.(type) {
	case float64:
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	if n <= 0 || n > 65535 {
		return 0, false
	}
	return int(n), true
}
