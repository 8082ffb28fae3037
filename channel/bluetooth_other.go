//go:build !linux

package channel

import (
	"context"
	"net"
)

// Dial implements Transport.
func (t BluetoothTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	return nil, ErrBluetoothUnsupported
}

// Listen implements Transport.
func (t BluetoothTransport) Listen(address string) (net.Listener, error) {
	return nil, ErrBluetoothUnsupported
}
