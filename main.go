package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lanxfer/config"
	"lanxfer/discovery"
	"lanxfer/logging"
	"lanxfer/network"
	"lanxfer/storage"
)

// app carries what every command needs after startup.
type app struct {
	cfg     *config.AppConfig
	cfgPath string
	dataDir string
	log     zerolog.Logger
}

var (
	envFile      string
	usernameFlag string
	portFlag     int
	downloadFlag string
	logLevelFlag string

	current app
)

var rootCmd = &cobra.Command{
	Use:           "lanxfer",
	Short:         "Discover peers on the local network and send them files",
	Version:       "0.1",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return bootstrap(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with LANXFER_* overrides")
	flags.StringVar(&usernameFlag, "username", "", "name announced to peers")
	flags.IntVar(&portFlag, "port", -1, "TCP port for inbound transfers (0 picks a free port)")
	flags.StringVar(&downloadFlag, "download-dir", "", "directory for received files")
	flags.StringVar(&logLevelFlag, "log-level", "", "trace, debug, info, warn or error")

	rootCmd.AddCommand(serveCmd, sendCmd, peersCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads .env, config and flag overrides, then builds the logger.
func bootstrap(cmd *cobra.Command) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("username") {
		cfg.Username = usernameFlag
	}
	if flags.Changed("port") {
		cfg.ListeningPort = portFlag
		cfg.PortMode = config.PortModeAutomatic
		if portFlag > 0 {
			cfg.PortMode = config.PortModeFixed
		}
	}
	if flags.Changed("download-dir") {
		cfg.DownloadDir = downloadFlag
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	current = app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: filepath.Dir(cfgPath),
		log:     logger,
	}
	current.log.Debug().Str("config", cfgPath).Str("instance_id", cfg.InstanceID).Msg("Configuration loaded")
	return nil
}

func (a *app) openStore() (*storage.Store, error) {
	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		return nil, fmt.Errorf("startup failed while opening database: %w", err)
	}
	store.SetHistoryRetention(a.cfg.HistoryRetention())
	a.log.Debug().Str("database", dbPath).Msg("History database opened")
	return store, nil
}

func (a *app) closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Database close error")
	}
}

func (a *app) discoveryConfig(port int) (discovery.Config, error) {
	ifaces, err := resolveInterfaces(a.cfg.Discovery.Interfaces)
	if err != nil {
		return discovery.Config{}, err
	}
	return discovery.Config{
		Service:         a.cfg.Discovery.Service,
		RefreshInterval: a.cfg.Discovery.RefreshInterval,
		ScanTimeout:     a.cfg.Discovery.ScanTimeout,
		InstanceID:      a.cfg.InstanceID,
		Username:        a.cfg.Username,
		ListeningPort:   port,
		Interfaces:      ifaces,
		Logger:          &a.log,
	}, nil
}

func (a *app) transferOptions() network.TransferOptions {
	return network.TransferOptions{
		Logger:          &a.log,
		LocalName:       a.cfg.Username,
		ChunkSize:       a.cfg.Transfer.ChunkSize,
		ResponseTimeout: a.cfg.Transfer.ResponseTimeout,
		MaxFileSize:     a.cfg.Transfer.MaxFileSize,
	}
}

func resolveInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("discovery interface %q: %w", name, err)
		}
		out = append(out, *iface)
	}
	return out, nil
}
