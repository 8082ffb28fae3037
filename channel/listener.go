package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Listener accepts inbound streams on one transport and upgrades them to Channels.
type Listener struct {
	listener net.Listener
	kind     Kind
	options  Options

	incoming chan *Channel
	errs     chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts an accept loop on transport at address.
func Listen(transport Transport, address string, options Options) (*Listener, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ln, err := transport.Listen(address)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %q: %w", transport.Kind(), address, err)
	}
	return Serve(ln, transport.Kind(), opts), nil
}

// Serve runs an accept loop on an existing listener.
func Serve(ln net.Listener, kind Kind, options Options) *Listener {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		listener: ln,
		kind:     kind,
		options:  opts,
		incoming: make(chan *Channel, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.options.Logger = opts.Logger.With(zap.Stringer("transport", kind))

	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

// Kind returns the transport kind served by this listener.
func (l *Listener) Kind() Kind {
	return l.kind
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Incoming returns authenticated inbound channels.
func (l *Listener) Incoming() <-chan *Channel {
	return l.incoming
}

// Errors returns asynchronous accept and handshake errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting, waits for in-flight handshakes, and closes both channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.cancel()
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.reportError(&ConnectError{Kind: l.kind, Op: "accept", Err: err})
			continue
		}

		l.wg.Add(1)
		go l.handleInbound(conn)
	}
}

func (l *Listener) handleInbound(conn net.Conn) {
	defer l.wg.Done()

	ch, err := acceptConn(l.ctx, conn, l.kind, l.options)
	if err != nil {
		l.options.Logger.Debug("inbound handshake failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		l.reportError(err)
		return
	}

	select {
	case l.incoming <- ch:
	case <-l.ctx.Done():
		_ = ch.Close()
	}
}

func (l *Listener) reportError(err error) {
	if err == nil {
		return
	}

	select {
	case l.errs <- err:
	default:
	}
}
