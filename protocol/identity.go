package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// ProtocolVersion is the wire protocol version advertised in identity packets.
	ProtocolVersion = 7

	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
	TypePing     = "kdeconnect.ping"

	// MaxDeviceNameLength bounds a display name in runes.
	MaxDeviceNameLength = 32
)

// Device types advertised in identity packets.
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeLaptop  = "laptop"
	DeviceTypePhone   = "phone"
	DeviceTypeTablet  = "tablet"
	DeviceTypeTV      = "tv"
)

var (
	// ErrInvalidIdentity indicates a missing or invalid identity field.
	ErrInvalidIdentity = errors.New("protocol: invalid identity packet")
	// ErrUnexpectedType indicates a helper was given a packet of the wrong type.
	ErrUnexpectedType = errors.New("protocol: unexpected packet type")

	deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{32,38}$`)
)

// Identity is the body of an identity packet.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	TCPPort              int
}

// ValidDeviceID reports whether id is acceptable as a device id.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// SanitizeDeviceName strips control and quoting characters and bounds the length.
func SanitizeDeviceName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`"',;:.!?()[]<>`, r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if utf8.RuneCountInString(cleaned) > MaxDeviceNameLength {
		cleaned = string([]rune(cleaned)[:MaxDeviceNameLength])
	}
	return cleaned
}

// NewIdentityPacket builds an identity packet.
func NewIdentityPacket(id Identity) Packet {
	body := map[string]any{
		"deviceId":             id.DeviceID,
		"deviceName":           id.DeviceName,
		"deviceType":           id.DeviceType,
		"protocolVersion":      float64(id.ProtocolVersion),
		"incomingCapabilities": stringsToAny(id.IncomingCapabilities),
		"outgoingCapabilities": stringsToAny(id.OutgoingCapabilities),
	}
	if id.TCPPort > 0 {
		body["tcpPort"] = float64(id.TCPPort)
	}
	return NewPacket(TypeIdentity, body)
}

// ParseIdentity extracts an Identity from an identity packet.
func ParseIdentity(p Packet) (Identity, error) {
	if p.Type != TypeIdentity {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnexpectedType, p.Type)
	}

	var id Identity
	var ok bool
	if id.DeviceID, ok = p.String("deviceId"); !ok || !ValidDeviceID(id.DeviceID) {
		return Identity{}, fmt.Errorf("%w: deviceId", ErrInvalidIdentity)
	}
	name, _ := p.String("deviceName")
	id.DeviceName = SanitizeDeviceName(name)
	if id.DeviceName == "" {
		return Identity{}, fmt.Errorf("%w: deviceName", ErrInvalidIdentity)
	}
	id.DeviceType, _ = p.String("deviceType")
	if id.DeviceType == "" {
		id.DeviceType = DeviceTypeDesktop
	}
	version, ok := p.Int("protocolVersion")
	if !ok {
		return Identity{}, fmt.Errorf("%w: protocolVersion", ErrInvalidIdentity)
	}
	id.ProtocolVersion = int(version)

	// Capability arrays are optional; a peer without them negotiates nothing.
	if _, present := p.Body["incomingCapabilities"]; present {
		if id.IncomingCapabilities, ok = p.Strings("incomingCapabilities"); !ok {
			return Identity{}, fmt.Errorf("%w: incomingCapabilities", ErrInvalidIdentity)
		}
	}
	if _, present := p.Body["outgoingCapabilities"]; present {
		if id.OutgoingCapabilities, ok = p.Strings("outgoingCapabilities"); !ok {
			return Identity{}, fmt.Errorf("%w: outgoingCapabilities", ErrInvalidIdentity)
		}
	}
	if port, ok := p.Int("tcpPort"); ok {
		if port <= 0 || port > 65535 {
			return Identity{}, fmt.Errorf("%w: tcpPort", ErrInvalidIdentity)
		}
		id.TCPPort = int(port)
	}
	return id, nil
}

// NewPairPacket builds a pairing request (true) or rejection/unpair (false).
func NewPairPacket(pair bool) Packet {
	return NewPacket(TypePair, map[string]any{"pair": pair})
}

// NewPairRequestPacket builds a pairing request stamped with the request time
// in unix seconds. Both sides feed the stamp into the verification key.
func NewPairRequestPacket(timestamp int64) Packet {
	return NewPacket(TypePair, map[string]any{"pair": true, "timestamp": float64(timestamp)})
}

// PairTimestamp returns the request stamp of a pair packet, if it carries one.
func PairTimestamp(p Packet) (int64, bool) {
	return p.Int("timestamp")
}

// ParsePair returns the pair flag of a pair packet.
func ParsePair(p Packet) (bool, error) {
	if p.Type != TypePair {
		return false, fmt.Errorf("%w: %q", ErrUnexpectedType, p.Type)
	}
	pair, ok := p.Bool("pair")
	if !ok {
		return false, &DecodeError{Reason: "pair packet without boolean pair field"}
	}
	return pair, nil
}

func stringsToAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
