package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanxfer"
	// DefaultListeningPort is the TCP port used in fixed port mode without an explicit value.
	DefaultListeningPort = 53317
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// DefaultHistoryRetentionDays bounds how long finished transfers stay in history.
	DefaultHistoryRetentionDays = 90
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
	// maxUsernameBytes keeps the announced name within one DNS-SD label.
	maxUsernameBytes = 63
)

// Environment variables that override persisted values for one run.
const (
	EnvDataDir     = "LANXFER_DATA_DIR"
	EnvUsername    = "LANXFER_USERNAME"
	EnvPort        = "LANXFER_PORT"
	EnvDownloadDir = "LANXFER_DOWNLOAD_DIR"
	EnvAutoAccept  = "LANXFER_AUTO_ACCEPT"
	EnvLogLevel    = "LANXFER_LOG_LEVEL"
)

// DiscoveryConfig tunes mDNS announce and browse.
type DiscoveryConfig struct {
	Service         string        `yaml:"service"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	Interfaces      []string      `yaml:"interfaces,omitempty"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	MaxFileSize     uint64        `yaml:"max_file_size"`
}

// AppConfig contains persistent local settings.
type AppConfig struct {
	InstanceID           string          `yaml:"instance_id"`
	Username             string          `yaml:"username"`
	PortMode             string          `yaml:"port_mode"`
	ListeningPort        int             `yaml:"listening_port"`
	DownloadDir          string          `yaml:"download_dir"`
	AutoAccept           bool            `yaml:"auto_accept"`
	LogLevel             string          `yaml:"log_level"`
	HistoryRetentionDays int             `yaml:"history_retention_days"`
	Discovery            DiscoveryConfig `yaml:"discovery"`
	Transfer             TransferConfig  `yaml:"transfer"`
}

// ListenAddress returns the TCP listen address implied by the port settings.
func (c *AppConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return ":" + strconv.Itoa(c.ListeningPort)
	}
	return ":0"
}

// HistoryRetention returns the history retention as a duration. Zero keeps history forever.
func (c *AppConfig) HistoryRetention() time.Duration {
	if c.HistoryRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// Validate checks values that cannot be normalised away.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username must be set")
	}
	if len(c.Username) > maxUsernameBytes {
		return fmt.Errorf("username exceeds %d bytes", maxUsernameBytes)
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening_port %d out of range", c.ListeningPort)
	}
	if c.DownloadDir == "" {
		return errors.New("download_dir must be set")
	}
	if c.Transfer.ChunkSize < 0 {
		return errors.New("transfer.chunk_size cannot be negative")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANXFER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *AppConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
// Environment overrides are not applied; see ApplyEnv.
func LoadOrCreate() (*AppConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ApplyEnv overlays LANXFER_* environment variables onto cfg for this run.
func ApplyEnv(cfg *AppConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvUsername)); v != "" {
		cfg.Username = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.ListeningPort = port
		if port > 0 {
			cfg.PortMode = PortModeFixed
		} else {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvDownloadDir)); v != "" {
		cfg.DownloadDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAutoAccept)); v != "" {
		autoAccept, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvAutoAccept, v)
		}
		cfg.AutoAccept = autoAccept
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *AppConfig) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.Username) == "" {
		cfg.Username = defaultUsername()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort != 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir()
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	if cfg.HistoryRetentionDays == 0 {
		cfg.HistoryRetentionDays = DefaultHistoryRetentionDays
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func defaultUsername() string {
	if current, err := user.Current(); err == nil && current.Username != "" {
		name := current.Username
		// Windows reports DOMAIN\user.
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		if host, err := os.Hostname(); err == nil && host != "" {
			name = name + "@" + host
		}
		return truncateUsername(name)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return truncateUsername(host)
	}
	return "lanxfer"
}

func truncateUsername(name string) string {
	if len(name) <= maxUsernameBytes {
		return name
	}
	cut := maxUsernameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppDirectoryName)
	}
	return filepath.Join(home, "Downloads")
}
