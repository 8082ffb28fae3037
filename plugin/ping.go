package plugin

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"devlink/protocol"
)

// PingHandler answers nothing and records pings; it keeps one route live on every paired device.
type PingHandler struct {
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	active   map[string]DeviceInfo
	received map[string]int
	onPing   func(device DeviceInfo, message string)
}

// RegisterPing creates a PingHandler and registers it on d.
func RegisterPing(d *Dispatcher, logger *zap.Logger, onPing func(device DeviceInfo, message string)) (*PingHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &PingHandler{
		dispatcher: d,
		logger:     logger,
		active:     make(map[string]DeviceInfo),
		received:   make(map[string]int),
		onPing:     onPing,
	}
	types := []string{protocol.TypePing}
	if err := d.Register(h, types, types); err != nil {
		return nil, err
	}
	return h, nil
}

// Name implements Handler.
func (h *PingHandler) Name() string {
	return "ping"
}

// Activate implements Handler.
func (h *PingHandler) Activate(device DeviceInfo) {
	h.mu.Lock()
	h.active[device.ID] = device
	h.mu.Unlock()
}

// Deactivate implements Handler.
func (h *PingHandler) Deactivate(device DeviceInfo) {
	h.mu.Lock()
	delete(h.active, device.ID)
	h.mu.Unlock()
}

// HandlePacket implements Handler.
func (h *PingHandler) HandlePacket(device DeviceInfo, p protocol.Packet) {
	message, _ := p.String("message")

	h.mu.Lock()
	h.received[device.ID]++
	onPing := h.onPing
	h.mu.Unlock()

	h.logger.Info("ping received", zap.String("device", device.ID), zap.String("name", device.Name), zap.String("message", message))
	if onPing != nil {
		onPing(device, message)
	}
}

// Ping sends a ping, optionally carrying a message, to a device.
func (h *PingHandler) Ping(ctx context.Context, deviceID, message string) error {
	body := map[string]any{}
	if message != "" {
		body["message"] = message
	}
	return h.dispatcher.Send(ctx, deviceID, protocol.NewPacket(protocol.TypePing, body))
}

// Received returns how many pings a device has sent.
func (h *PingHandler) Received(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received[deviceID]
}

// Active reports whether the handler is active for a device.
func (h *PingHandler) Active(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[deviceID]
	return ok
}
