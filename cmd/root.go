package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devlink/config"
	"devlink/logging"
	"devlink/storage"
	"devlink/trust"
)

type rootOptions struct {
	dataDir      string
	settingsPath string
}

// NewRootCommand builds the devlink command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "devlink",
		Short:         "devlink pairs and talks to nearby devices",
		Long:          `devlink discovers nearby devices, pairs with them over TLS and routes capability packets between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.dataDir != "" {
				return os.Setenv(config.DataDirEnv, opts.dataDir)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&opts.settingsPath, "config", "", "runtime settings file (default <data-dir>/devlink.yaml)")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newIdentityCommand(opts))
	root.AddCommand(newPairingsCommand(opts))
	root.AddCommand(newEventsCommand(opts))
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "devlink: %v\n", err)
		os.Exit(1)
	}
}

// host bundles the persistent state every subcommand starts from.
type host struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	dataDir  string
	settings *config.Settings
	logger   *zap.Logger
	db       *storage.Store
	dbPath   string
}

func openHost(opts *rootOptions) (*host, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	settingsPath := opts.settingsPath
	if settingsPath == "" {
		settingsPath = config.SettingsPath(dataDir)
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(settings.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, dbPath, err := storage.Open(dataDir, storage.WithSecurityEventRetention(settings.Storage.SecurityEventRetention))
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &host{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  dataDir,
		settings: settings,
		logger:   logger,
		db:       db,
		dbPath:   dbPath,
	}, nil
}

// identity loads or generates the host certificate and keeps the persisted
// fingerprint in step with it.
func (h *host) identity() (trust.Identity, error) {
	id, err := trust.NewIdentityManager(h.cfg.CertificatePath, h.cfg.PrivateKeyPath, h.cfg.DeviceID, h.cfg.DeviceName, h.cfg.DeviceType).CurrentIdentity()
	if err != nil {
		return trust.Identity{}, err
	}
	if h.cfg.Fingerprint != id.Fingerprint {
		h.cfg.Fingerprint = id.Fingerprint
		if err := config.Save(h.cfgPath, h.cfg); err != nil {
			return trust.Identity{}, fmt.Errorf("persist fingerprint: %w", err)
		}
	}
	return id, nil
}

func (h *host) close() {
	if err := h.db.Close(); err != nil {
		h.logger.Warn("database close failed", zap.Error(err))
	}
	_ = h.logger.Sync()
}
