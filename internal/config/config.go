// Package config loads slotstack's configuration from flags, an optional
// config file, and SLOTSTACK_-prefixed environment variables.
package config

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slotstack/slotstack/internal/backend"
	"github.com/slotstack/slotstack/pkg/codec"
)

// Config holds all configuration for the slotstack daemon.
type Config struct {
	Listen     string `mapstructure:"listen"`
	DataDir    string `mapstructure:"data_dir"`
	LogLevel   string `mapstructure:"log_level"`
	InstanceID string `mapstructure:"instance_id"`

	Backend  BackendConfig  `mapstructure:"backend"`
	Document DocumentConfig `mapstructure:"document"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// BackendConfig selects the key-value backend.
type BackendConfig struct {
	Kind       string `mapstructure:"kind"` // memory, badger, pebble
	SyncWrites bool   `mapstructure:"sync_writes"`
	GCEnabled  bool   `mapstructure:"gc_enabled"`
}

// DocumentConfig sets the slot geometry and compression for the engine.
type DocumentConfig struct {
	SlotCount        int    `mapstructure:"slot_count"`
	SlotSize         int    `mapstructure:"slot_size"`
	Compression      string `mapstructure:"compression"` // none, gzip, zstd
	CompressionLevel int    `mapstructure:"compression_level"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
}

// Load loads configuration from defaults, bound flags, an optional config
// file, and environment variables, then validates it.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SLOTSTACK")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8090")
	v.SetDefault("log_level", "info")

	v.SetDefault("backend.kind", backend.KindMemory)
	v.SetDefault("backend.sync_writes", false)
	v.SetDefault("backend.gc_enabled", true)

	v.SetDefault("document.slot_count", 256)
	v.SetDefault("document.slot_size", 1024)
	v.SetDefault("document.compression", codec.AlgorithmNone)
	v.SetDefault("document.compression_level", codec.DefaultLevel)

	v.SetDefault("metrics.enable", true)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":      "listen",
		"data-dir":    "data_dir",
		"log-level":   "log_level",
		"backend":     "backend.kind",
		"compression": "document.compression",
		"slot-count":  "document.slot_count",
		"slot-size":   "document.slot_size",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case backend.KindMemory:
	case backend.KindBadger, backend.KindPebble:
		if cfg.DataDir == "" {
			return fmt.Errorf("data_dir is required for the %s backend: specify via --data-dir flag, config file, or SLOTSTACK_DATA_DIR", cfg.Backend.Kind)
		}
	default:
		return fmt.Errorf("unsupported backend kind: %s", cfg.Backend.Kind)
	}

	switch cfg.Document.Compression {
	case codec.AlgorithmNone, codec.AlgorithmGzip, codec.AlgorithmZstd:
	default:
		return fmt.Errorf("unsupported compression algorithm: %s", cfg.Document.Compression)
	}

	if cfg.Document.SlotCount <= 0 || cfg.Document.SlotSize <= 0 {
		return fmt.Errorf("slot_count and slot_size must be positive (got %d, %d)",
			cfg.Document.SlotCount, cfg.Document.SlotSize)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return nil
}
