//go:build linux

package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Dial implements Transport.
func (t BluetoothTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	remote, err := ParseRFCOMMAddr(address, t.defaultChannel())
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("open rfcomm socket: %w", err)
	}

	err = unix.Connect(fd, remote.sockaddr())
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect rfcomm %s: %w", remote, err)
	}

	file := os.NewFile(uintptr(fd), "rfcomm:"+remote.String())
	if err := waitConnected(ctx, file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("connect rfcomm %s: %w", remote, err)
	}

	local := RFCOMMAddr{}
	if sa, err := unix.Getsockname(fd); err == nil {
		local = rfcommAddrFromSockaddr(sa)
	}
	return &rfcommConn{File: file, local: local, remote: remote}, nil
}

// Listen implements Transport. The address is an RFCOMM channel number or empty.
func (t BluetoothTransport) Listen(address string) (net.Listener, error) {
	ch := t.defaultChannel()
	if text := strings.TrimSpace(address); text != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(text, "/"), 10, 8)
		if err != nil || v == 0 || v > 30 {
			return nil, fmt.Errorf("channel: invalid RFCOMM channel %q", address)
		}
		ch = uint8(v)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("open rfcomm socket: %w", err)
	}
	local := RFCOMMAddr{Channel: ch}
	if err := unix.Bind(fd, local.sockaddr()); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind rfcomm channel %d: %w", ch, err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen rfcomm channel %d: %w", ch, err)
	}

	return &rfcommListener{
		file:  os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm-listen:%d", ch)),
		local: local,
	}, nil
}

func (a RFCOMMAddr) sockaddr() *unix.SockaddrRFCOMM {
	sa := &unix.SockaddrRFCOMM{Channel: a.Channel}
	// bdaddr_t is little-endian.
	for i := range a.MAC {
		sa.Addr[i] = a.MAC[len(a.MAC)-1-i]
	}
	return sa
}

func rfcommAddrFromSockaddr(sa unix.Sockaddr) RFCOMMAddr {
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return RFCOMMAddr{}
	}
	addr := RFCOMMAddr{Channel: rc.Channel}
	for i := range rc.Addr {
		addr.MAC[i] = rc.Addr[len(rc.Addr)-1-i]
	}
	return addr
}

// waitConnected blocks on the runtime poller until a non-blocking connect settles.
func waitConnected(ctx context.Context, file *os.File) error {
	raw, err := file.SyscallConn()
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = file.SetWriteDeadline(deadline)
	} else {
		_ = file.SetWriteDeadline(time.Now().Add(DefaultDialTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = file.SetWriteDeadline(time.Now())
	})
	defer stop()

	var connectErr error
	polled := false
	err = raw.Write(func(fd uintptr) bool {
		if !polled {
			polled = true
			return false
		}
		errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connectErr = err
			return true
		}
		if errno != 0 {
			connectErr = unix.Errno(errno)
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if connectErr != nil {
		return connectErr
	}
	return file.SetWriteDeadline(time.Time{})
}

type rfcommConn struct {
	*os.File
	local  RFCOMMAddr
	remote RFCOMMAddr
}

func (c *rfcommConn) LocalAddr() net.Addr  { return c.local }
func (c *rfcommConn) RemoteAddr() net.Addr { return c.remote }

type rfcommListener struct {
	file  *os.File
	local RFCOMMAddr

	closeOnce sync.Once
}

func (l *rfcommListener) Accept() (net.Conn, error) {
	raw, err := l.file.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err = raw.Read(func(fd uintptr) bool {
		nfd, sa, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(acceptErr, unix.EAGAIN)
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("accept rfcomm: %w", acceptErr)
	}

	remote := rfcommAddrFromSockaddr(sa)
	return &rfcommConn{
		File:   os.NewFile(uintptr(nfd), "rfcomm:"+remote.String()),
		local:  l.local,
		remote: remote,
	}, nil
}

func (l *rfcommListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.file.Close()
	})
	return err
}

func (l *rfcommListener) Addr() net.Addr {
	return l.local
}
