package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"shardfs/internal/artifacts"
	"shardfs/internal/storage"
)

// getConfigDir returns the config directory path.
// Uses SHARDFS_CONFIG_DIR env var if set, otherwise defaults to ~/.shardfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("SHARDFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shardfs")
}

// daemonName returns the fixed daemon name "daemon".
// Test isolation is achieved via SHARDFS_CONFIG_DIR instead of multiple daemon names.
func daemonName() string {
	return "daemon"
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".pid")
}

// LogPath returns the log file path.
// Uses SHARDFS_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon_name.log.
func LogPath() string {
	if envPath := os.Getenv("SHARDFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), daemonName()+".log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".lock")
}

// ConfigFilePath returns the daemon config file path
func ConfigFilePath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default shard data directory
func DefaultDataDir() string {
	return filepath.Join(getConfigDir(), "data")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	// Create config directory
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create default config file if not exists (using template)
	configPath := ConfigFilePath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, artifacts.DefaultConfig, 0600); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
	}

	// Create the data directory so the daemon can open shards immediately
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// HTTPConfig configures the HTTP file API listener
type HTTPConfig struct {
	Listen string `yaml:"listen"` // default: "127.0.0.1:8480"
}

// NFSConfig configures the optional NFS gateway
type NFSConfig struct {
	Enabled bool `yaml:"enabled"` // default: false
	Port    int  `yaml:"port"`    // default: 20490
}

// Config represents daemon configuration from {config_dir}/config.yaml
type Config struct {
	DataDir          string     `yaml:"data_dir"`            // default: "{config_dir}/data"
	LogLevel         string     `yaml:"log_level"`           // trace, debug, info, warn, error, off (default: info)
	BusyTimeoutMS    int        `yaml:"busy_timeout_ms"`     // SQLite busy_timeout for daemon (ms), 0 = use default
	CLIBusyTimeoutMS int        `yaml:"cli_busy_timeout_ms"` // SQLite busy_timeout for CLI (ms), 0 = use busy_timeout_ms
	HTTP             HTTPConfig `yaml:"http"`
	NFS              NFSConfig  `yaml:"nfs"`
	DumpExcludes     []string   `yaml:"dump_excludes"` // gitignore-style patterns excluded from dumps
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BusyTimeoutMS == 0 {
		cfg.BusyTimeoutMS = storage.DefaultBusyTimeout
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:8480"
	}
	if cfg.NFS.Port == 0 {
		cfg.NFS.Port = 20490
	}
}

// LoggingEnabled returns whether logging is enabled (any level other than "off" or empty).
func (cfg *Config) LoggingEnabled() bool {
	level := strings.ToLower(cfg.LogLevel)
	return level != "" && level != "off" && level != "none"
}

// ApplyBusyTimeouts pushes the configured busy_timeout values into the
// storage layer. CLI timeout falls back to the daemon value.
func (cfg *Config) ApplyBusyTimeouts() {
	cliTimeout := cfg.CLIBusyTimeoutMS
	if cliTimeout == 0 {
		cliTimeout = cfg.BusyTimeoutMS
	}
	storage.SetConfigBusyTimeouts(cfg.BusyTimeoutMS, cliTimeout)
}

// loadDefaultConfig parses default config from the embedded artifact.
func loadDefaultConfig() Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig loads the daemon config from {config_dir}/config.yaml.
// Always reads from file to get latest config. Falls back to embedded
// defaults if the file doesn't exist.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			cfg := loadDefaultConfig()
			return &cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// SaveConfig saves the daemon config to {config_dir}/config.yaml
func SaveConfig(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// Add header comment (same as template header)
	header := []byte("# ShardFS daemon configuration\n# See: shardfs init --help\n\n")
	return os.WriteFile(ConfigFilePath(), append(header, data...), 0600)
}

// expandHome expands a leading "~" to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
