package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultURL           = "https://www.befunky.com/images/prismic/e8c80c0a-bc59-4df2-a86e-cc4eabd44285_hero-blur-image-1.jpg?auto=avif,webp&format=jpg&width=1000"
	DefaultPartitionName = "new_partition"
	DefaultPartitionSize = 1 * 1024 * 1024
	DefaultBufferSize    = 1024
	DefaultTimeout       = 10 * time.Second
	DefaultFlashSize     = 4 * 1024 * 1024
	DefaultNVSCapacity   = 0x6000

	ProvisionTable     = "provision"
	ProvisionEraseOnly = "erase-only"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	URL           string        `mapstructure:"url"`
	PartitionName string        `mapstructure:"partition_name"`
	PartitionSize int64         `mapstructure:"partition_size"`
	BufferSize    int           `mapstructure:"buffer_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FlashImage    string        `mapstructure:"flash_image"`
	FlashSize     int64         `mapstructure:"flash_size"`
	NVSPath       string        `mapstructure:"nvs_path"`
	NVSCapacity   int64         `mapstructure:"nvs_capacity"`
	ProvisionMode string        `mapstructure:"provision_mode"`
	Debug         bool          `mapstructure:"debug"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() AppConfig {
	return AppConfig{
		URL:           DefaultURL,
		PartitionName: DefaultPartitionName,
		PartitionSize: DefaultPartitionSize,
		BufferSize:    DefaultBufferSize,
		Timeout:       DefaultTimeout,
		FlashImage:    "./data/flash.bin",
		FlashSize:     DefaultFlashSize,
		NVSPath:       "./data/nvs",
		NVSCapacity:   DefaultNVSCapacity,
		ProvisionMode: ProvisionTable,
	}
}

// LoadConfig reads config.yaml from path, applies FLASHFETCH_* environment
// overrides on top of the defaults and validates the result.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("FLASHFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("url", d.URL)
	v.SetDefault("partition_name", d.PartitionName)
	v.SetDefault("partition_size", d.PartitionSize)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("flash_image", d.FlashImage)
	v.SetDefault("flash_size", d.FlashSize)
	v.SetDefault("nvs_path", d.NVSPath)
	v.SetDefault("nvs_capacity", d.NVSCapacity)
	v.SetDefault("provision_mode", d.ProvisionMode)
	v.SetDefault("debug", d.Debug)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// Validate rejects values the download routine cannot work with.
func (c AppConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("config: url is empty")
	case c.PartitionName == "":
		return errors.New("config: partition_name is empty")
	case len(c.PartitionName) > 16:
		return fmt.Errorf("config: partition_name %q longer than 16 bytes", c.PartitionName)
	case c.PartitionSize <= 0:
		return fmt.Errorf("config: partition_size must be positive, got %d", c.PartitionSize)
	case c.BufferSize <= 0:
		return fmt.Errorf("config: buffer_size must be positive, got %d", c.BufferSize)
	case c.Timeout <= 0:
		return fmt.Errorf("config: timeout must be positive, got %s", c.Timeout)
	case c.FlashSize <= 0:
		return fmt.Errorf("config: flash_size must be positive, got %d", c.FlashSize)
	}
	switch c.ProvisionMode {
	case ProvisionTable, ProvisionEraseOnly:
	default:
		return fmt.Errorf("config: unknown provision_mode %q", c.ProvisionMode)
	}
	return nil
}
