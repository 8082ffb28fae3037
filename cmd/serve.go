package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devlink/channel"
	"devlink/crypto"
	"devlink/device"
	"devlink/discovery"
	"devlink/gateway"
	"devlink/plugin"
	"devlink/service"
	"devlink/trust"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the devlink daemon",
		Long:  `serve listens for channels, announces the host on the LAN, reconnects to paired devices and optionally exposes the local HTTP gateway.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	h, err := openHost(opts)
	if err != nil {
		return err
	}
	defer h.close()

	log := h.logger
	settings := h.settings

	identity, err := h.identity()
	if err != nil {
		return err
	}
	log.Info("starting devlink",
		zap.String("device_id", identity.DeviceID),
		zap.String("device_name", identity.DeviceName),
		zap.String("fingerprint", crypto.FormatFingerprint(identity.Fingerprint)),
		zap.String("data_dir", h.dataDir),
		zap.String("database", h.dbPath),
	)

	dispatcher := plugin.NewDispatcher(log.Named("plugin"))
	ping, err := plugin.RegisterPing(dispatcher, log.Named("plugin"), func(d plugin.DeviceInfo, message string) {
		log.Info("ping received", zap.String("device", d.ID), zap.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("register ping: %w", err)
	}

	manager, err := device.NewManager(device.Options{
		Identity:       identity,
		Store:          trust.NewSQLiteStore(h.db),
		Dispatcher:     dispatcher,
		SecurityLog:    h.db,
		Logger:         log.Named("device"),
		PairingTimeout: settings.Pairing.Timeout,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	var listen []service.Endpoint
	if settings.TCP.Enable {
		listen = append(listen, service.Endpoint{Transport: channel.TCPTransport{}, Address: settings.TCP.Listen})
	}
	if settings.Bluetooth.Enable {
		listen = append(listen, service.Endpoint{
			Transport: channel.BluetoothTransport{Channel: uint8(settings.Bluetooth.Channel)},
			Address:   settings.Bluetooth.Listen,
		})
	}
	svc, err := service.New(service.Options{
		Manager:     manager,
		Certificate: identity.Certificate,
		Listen:      listen,
		Reconnect: service.ReconnectPolicy{
			Initial:     settings.Reconnect.Initial,
			Max:         settings.Reconnect.Max,
			MaxAttempts: settings.Reconnect.MaxAttempts,
		},
		Logger: log.Named("service"),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Close()

	bus := gateway.NewEventBus()
	go bus.Pump(ctx, manager.Events())
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go logEvents(log.Named("events"), events)

	if settings.Discovery.Enable && settings.TCP.Enable {
		disc, err := discovery.Start(discovery.Config{
			Identity:        manager.LocalIdentity(),
			RefreshInterval: settings.Discovery.Interval,
			Logger:          log.Named("discovery"),
		})
		if err != nil {
			// Channels still work without mDNS, peers just have to dial in.
			log.Warn("discovery startup failed", zap.Error(err))
		} else {
			defer disc.Stop()
			go discovery.Forward(ctx, disc.Scanner.Events(), svc)
		}
	}

	if settings.Gateway.Enable {
		gw, err := gateway.New(gateway.Options{
			Devices: manager,
			Pinger:  ping,
			Bus:     bus,
			Listen:  settings.Gateway.Listen,
			Logger:  log.Named("gateway"),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := gw.Run(ctx); err != nil {
				log.Error("gateway stopped", zap.Error(err))
			}
		}()
	}

	log.Info("devlink running")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func logEvents(log *zap.Logger, events <-chan device.Event) {
	for ev := range events {
		fields := []zap.Field{
			zap.String("device", ev.DeviceID),
			zap.String("name", ev.DeviceName),
			zap.Stringer("state", ev.State),
		}
		switch ev.Type {
		case device.EventPairingRequested:
			log.Warn("pairing requested; compare the key and decide through the gateway",
				append(fields, zap.String("verification_key", ev.VerificationKey))...)
		case device.EventTrustViolation:
			log.Error("certificate mismatch for paired device", append(fields, zap.String("error", ev.Error))...)
		case device.EventPeerUnreachable:
			log.Warn("peer unreachable", append(fields, zap.String("error", ev.Error))...)
		default:
			log.Info("device state changed", fields...)
		}
	}
}
