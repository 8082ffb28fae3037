package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultRFCOMMChannel is used when an address names no channel.
	DefaultRFCOMMChannel = 6
)

// ErrBluetoothUnsupported indicates the platform has no RFCOMM socket support.
var ErrBluetoothUnsupported = errors.New("channel: bluetooth transport is not supported on this platform")

// RFCOMMAddr is a Bluetooth device address plus RFCOMM channel.
type RFCOMMAddr struct {
	MAC     [6]byte
	Channel uint8
}

// Network implements net.Addr.
func (a RFCOMMAddr) Network() string {
	return "rfcomm"
}

// String implements net.Addr and round-trips through ParseRFCOMMAddr.
func (a RFCOMMAddr) String() string {
	parts := make([]string, len(a.MAC))
	for i, b := range a.MAC {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":") + "/" + strconv.Itoa(int(a.Channel))
}

// ParseRFCOMMAddr parses "AA:BB:CC:DD:EE:FF" or "AA:BB:CC:DD:EE:FF/5".
func ParseRFCOMMAddr(address string, defaultChannel uint8) (RFCOMMAddr, error) {
	var addr RFCOMMAddr
	macText, channelText, hasChannel := strings.Cut(strings.TrimSpace(address), "/")

	octets := strings.Split(macText, ":")
	if len(octets) != 6 {
		return RFCOMMAddr{}, fmt.Errorf("channel: invalid bluetooth address %q", address)
	}
	for i, octet := range octets {
		v, err := strconv.ParseUint(octet, 16, 8)
		if err != nil || len(octet) != 2 {
			return RFCOMMAddr{}, fmt.Errorf("channel: invalid bluetooth address %q", address)
		}
		addr.MAC[i] = byte(v)
	}

	addr.Channel = defaultChannel
	if hasChannel {
		ch, err := strconv.ParseUint(channelText, 10, 8)
		if err != nil || ch == 0 || ch > 30 {
			return RFCOMMAddr{}, fmt.Errorf("channel: invalid RFCOMM channel %q", channelText)
		}
		addr.Channel = uint8(ch)
	}
	if addr.Channel == 0 {
		addr.Channel = DefaultRFCOMMChannel
	}
	return addr, nil
}

// BluetoothTransport dials and listens on Bluetooth RFCOMM sockets.
type BluetoothTransport struct {
	// Channel is the RFCOMM channel used when an address names none.
	Channel uint8
}

// Kind implements Transport.
func (t BluetoothTransport) Kind() Kind {
	return KindBluetooth
}

func (t BluetoothTransport) defaultChannel() uint8 {
	if t.Channel == 0 {
		return DefaultRFCOMMChannel
	}
	return t.Channel
}
