// Package gateway exposes the device manager over a local HTTP API with a
// websocket stream of device events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Gateway.
type Options struct {
	Devices Devices
	// Pinger enables POST /api/v1/devices/{id}/ping when set.
	Pinger Pinger
	Bus    *EventBus
	Listen string
	Logger *zap.Logger
}

// Gateway serves the HTTP API.
type Gateway struct {
	listen string
	log    *zap.Logger
	server *http.Server
}

// New constructs a Gateway without starting it.
func New(options Options) (*Gateway, error) {
	if options.Devices == nil {
		return nil, errors.New("gateway: devices are required")
	}
	if options.Bus == nil {
		return nil, errors.New("gateway: event bus is required")
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Gateway{
		listen: options.Listen,
		log:    log,
		server: &http.Server{
			Handler:           NewRouter(options.Devices, options.Pinger, options.Bus, log),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Handler returns the API router.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Run listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.listen)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.listen, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	// Hijacked websocket streams outlive Shutdown; tying requests to ctx ends them too.
	g.server.BaseContext = func(net.Listener) context.Context { return ctx }

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}
