package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Log      LogConfig
	Serial   SerialConfig
	Protocol ProtocolConfig
	Transfer TransferConfig
	Launch   LaunchConfig
	Store    StoreConfig
	Monitor  MonitorConfig
	Storage  StorageConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// SerialConfig holds port selection and watchdog settings
type SerialConfig struct {
	Port                string // empty = scan for a cartridge
	BaudRate            int
	HealthCheckInterval time.Duration
	ReadTimeout         time.Duration // how long a queried port gets to answer
	Verify              bool          // ping the configured port before keeping it
	KnownPortsFirst     bool
	AutoConnect         bool // connect every cartridge found, not only known ones
	DiscoveryInterval   time.Duration
}

// ProtocolConfig holds handshake timing
type ProtocolConfig struct {
	AckTimeout     time.Duration
	ListingTimeout time.Duration
	ChunkSize      int
}

// TransferConfig holds file send retry settings
type TransferConfig struct {
	RetryLimit   int
	RetryBackoff time.Duration // multiplied by the attempt number
}

// LaunchConfig holds launch polling and reconnect settings
type LaunchConfig struct {
	PollInterval       time.Duration
	PollIterations     int
	ReconnectDelay     time.Duration
	ReconnectAttempts  int
	LargeFileThreshold int64 // bytes
}

// StoreConfig holds the SQLite location
type StoreConfig struct {
	Path string
}

// MonitorConfig holds the state monitor HTTP server settings
type MonitorConfig struct {
	Enabled    bool
	ListenAddr string
}

// StorageConfig holds the default target storage
type StorageConfig struct {
	Default string // sd, usb
}

// Load loads configuration from TOML file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with CARTLINK_ prefix (e.g., CARTLINK_SERIAL_PORT)
// 2. cartlink.toml, or the file given in path
// 3. Built-in defaults
func Load(path ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("toml")
	if len(path) > 0 && path[0] != "" {
		v.SetConfigFile(path[0])
	} else {
		v.SetConfigName("cartlink")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cartlink")
	}

	// Booleans cannot be told apart from "unset" after reading.
	v.SetDefault("serial.known_ports_first", true)
	v.SetDefault("serial.auto_connect", true)
	v.SetDefault("monitor.enabled", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CARTLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Serial: SerialConfig{
			Port:                v.GetString("serial.port"),
			BaudRate:            v.GetInt("serial.baud_rate"),
			HealthCheckInterval: v.GetDuration("serial.health_check_interval"),
			ReadTimeout:         v.GetDuration("serial.read_timeout"),
			Verify:              v.GetBool("serial.verify"),
			KnownPortsFirst:     v.GetBool("serial.known_ports_first"),
			AutoConnect:         v.GetBool("serial.auto_connect"),
			DiscoveryInterval:   v.GetDuration("serial.discovery_interval"),
		},
		Protocol: ProtocolConfig{
			AckTimeout:     v.GetDuration("protocol.ack_timeout"),
			ListingTimeout: v.GetDuration("protocol.listing_timeout"),
			ChunkSize:      v.GetInt("protocol.chunk_size"),
		},
		Transfer: TransferConfig{
			RetryLimit:   v.GetInt("transfer.retry_limit"),
			RetryBackoff: v.GetDuration("transfer.retry_backoff"),
		},
		Launch: LaunchConfig{
			PollInterval:       v.GetDuration("launch.poll_interval"),
			PollIterations:     v.GetInt("launch.poll_iterations"),
			ReconnectDelay:     v.GetDuration("launch.reconnect_delay"),
			ReconnectAttempts:  v.GetInt("launch.reconnect_attempts"),
			LargeFileThreshold: v.GetInt64("launch.large_file_threshold"),
		},
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
		Monitor: MonitorConfig{
			Enabled:    v.GetBool("monitor.enabled"),
			ListenAddr: v.GetString("monitor.listen_addr"),
		},
		Storage: StorageConfig{
			Default: strings.ToLower(v.GetString("storage.default")),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 115200
	}
	if cfg.Serial.HealthCheckInterval == 0 {
		cfg.Serial.HealthCheckInterval = 3 * time.Second
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.Serial.DiscoveryInterval == 0 {
		cfg.Serial.DiscoveryInterval = 5 * time.Second
	}
	if cfg.Protocol.AckTimeout == 0 {
		cfg.Protocol.AckTimeout = 500 * time.Millisecond
	}
	if cfg.Protocol.ListingTimeout == 0 {
		cfg.Protocol.ListingTimeout = 10 * time.Second
	}
	if cfg.Protocol.ChunkSize == 0 {
		cfg.Protocol.ChunkSize = 16 * 1024
	}
	if cfg.Transfer.RetryLimit == 0 {
		cfg.Transfer.RetryLimit = 3
	}
	if cfg.Transfer.RetryBackoff == 0 {
		cfg.Transfer.RetryBackoff = time.Second
	}
	if cfg.Launch.PollInterval == 0 {
		cfg.Launch.PollInterval = 25 * time.Millisecond
	}
	if cfg.Launch.PollIterations == 0 {
		cfg.Launch.PollIterations = 40
	}
	if cfg.Launch.ReconnectDelay == 0 {
		cfg.Launch.ReconnectDelay = 4 * time.Second
	}
	if cfg.Launch.ReconnectAttempts == 0 {
		cfg.Launch.ReconnectAttempts = 3
	}
	if cfg.Launch.LargeFileThreshold == 0 {
		cfg.Launch.LargeFileThreshold = 575000
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "cartlink.db"
	}
	if cfg.Monitor.ListenAddr == "" {
		cfg.Monitor.ListenAddr = "127.0.0.1:8642"
	}
	if cfg.Storage.Default == "" {
		cfg.Storage.Default = "sd"
	}
}

// validate checks that required configuration values are set and valid
func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Serial.BaudRate < 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Protocol.ChunkSize < 0 {
		return fmt.Errorf("protocol.chunk_size must be positive, got %d", c.Protocol.ChunkSize)
	}
	if c.Transfer.RetryLimit < 0 {
		return fmt.Errorf("transfer.retry_limit must not be negative, got %d", c.Transfer.RetryLimit)
	}
	if c.Launch.PollIterations < 0 || c.Launch.ReconnectAttempts < 0 {
		return fmt.Errorf("launch poll iterations and reconnect attempts must not be negative")
	}
	switch c.Storage.Default {
	case "sd", "usb":
	default:
		return fmt.Errorf("storage.default must be sd or usb, got %q", c.Storage.Default)
	}
	return nil
}
