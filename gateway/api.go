package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"devlink/device"
	"devlink/plugin"
	"devlink/protocol"
)

const (
	wsPingInterval = 20 * time.Second
	wsWriteTimeout = 5 * time.Second

	maxRequestBody = 4 << 10
)

var errCrossOrigin = errors.New("gateway: cross-origin request refused")

// Devices is the subset of *device.Manager the API drives.
type Devices interface {
	LocalIdentity() protocol.Identity
	Device(id string) (*device.Device, bool)
	Devices() []*device.Device
	RequestPairing(ctx context.Context, deviceID string) error
	RejectPairing(ctx context.Context, deviceID string) error
	Unpair(ctx context.Context, deviceID string) error
}

// Pinger sends a ping to a paired, connected device. *plugin.PingHandler implements it.
type Pinger interface {
	Ping(ctx context.Context, deviceID, message string) error
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway binds to loopback by default; browsers on other origins are refused.
	CheckOrigin: sameOrigin,
}

type server struct {
	devices Devices
	pinger  Pinger
	bus     *EventBus
	log     *zap.Logger
}

// NewRouter wires all /api/v1/* routes:
//
//	GET    /api/v1/status
//	GET    /api/v1/devices
//	GET    /api/v1/devices/{id}
//	POST   /api/v1/devices/{id}/pair   request pairing, or accept a pending request
//	DELETE /api/v1/devices/{id}/pair   reject a pending request, or unpair
//	POST   /api/v1/devices/{id}/ping   send a ping (only when pinger is non-nil)
//	GET    /api/v1/events              websocket stream of device events
//
// Requests that change state are refused when they carry a foreign Origin.
func NewRouter(devices Devices, pinger Pinger, bus *EventBus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &server{devices: devices, pinger: pinger, bus: bus, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/devices", s.listDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", s.getDevice)
	mux.HandleFunc("POST /api/v1/devices/{id}/pair", s.pair)
	mux.HandleFunc("DELETE /api/v1/devices/{id}/pair", s.unpair)
	if pinger != nil {
		mux.HandleFunc("POST /api/v1/devices/{id}/ping", s.ping)
	}
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, requireSameOrigin(log, mux))
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	id := s.devices.LocalIdentity()
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":             id.DeviceID,
		"deviceName":           id.DeviceName,
		"deviceType":           id.DeviceType,
		"protocolVersion":      id.ProtocolVersion,
		"tcpPort":              id.TCPPort,
		"incomingCapabilities": id.IncomingCapabilities,
		"outgoingCapabilities": id.OutgoingCapabilities,
		"subscribers":          s.bus.Len(),
	})
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.Devices()
	infos := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": infos,
		"count":   len(infos),
	})
}

func (s *server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.devices.Device(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice)
		return
	}
	writeJSON(w, http.StatusOK, d.Info())
}

func (s *server) pair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.devices.RequestPairing(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.respondDevice(w, id, http.StatusAccepted)
}

func (s *server) unpair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	if d, ok := s.devices.Device(id); ok && d.State() == device.StatePairingRequestedIncoming {
		err = s.devices.RejectPairing(r.Context(), id)
	} else {
		err = s.devices.Unpair(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.respondDevice(w, id, http.StatusOK)
}

type pingRequest struct {
	Message string `json:"message"`
}

func (s *server) ping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.devices.Device(id); !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice)
		return
	}

	var req pingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pinger.Ping(r.Context(), id, req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondDevice writes the device's current view, or 204 once it has been forgotten.
func (s *server) respondDevice(w http.ResponseWriter, id string, code int) {
	d, ok := s.devices.Device(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, code, d.Info())
}

func (s *server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Reads are only needed to observe the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrAlreadyPaired),
		errors.Is(err, device.ErrNoPendingRequest),
		errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrNotPaired),
		errors.Is(err, plugin.ErrCapabilityRejected):
		return http.StatusConflict
	case errors.Is(err, device.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requireSameOrigin refuses state-changing requests that a browser sent from
// another site. Requests without an Origin header (CLI tools) pass.
func requireSameOrigin(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if !sameOrigin(r) || r.Header.Get("Sec-Fetch-Site") == "cross-site" {
				log.Warn("refused cross-origin request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("origin", r.Header.Get("Origin")),
				)
				writeError(w, http.StatusForbidden, errCrossOrigin)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
