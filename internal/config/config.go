package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Descriptor and storage
	DescriptorPath string   `mapstructure:"descriptor-path"`
	StorageRoot    string   `mapstructure:"storage-root"`
	VolumePrefixes []string `mapstructure:"volume-prefixes"`
	RuntimeDir     string   `mapstructure:"runtime-dir"`

	// Payload
	AppsDir        string `mapstructure:"apps-dir"`
	CacheDir       string `mapstructure:"cache-dir"`
	SelfPackage    string `mapstructure:"self-package"`
	PayloadPackage string `mapstructure:"payload-package"`
	PayloadUnit    string `mapstructure:"payload-unit"`

	// Lockdown
	PolicyPath string `mapstructure:"policy-path"`
	LockTarget string `mapstructure:"lock-target"`

	// Network
	WifiInterface string `mapstructure:"wifi-interface"`

	// Database paths
	SQLitePath  string `mapstructure:"sqlite-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`
	JournalKeep int    `mapstructure:"journal-keep"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
	MaxArtifactSize     int64   `mapstructure:"max-artifact-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Timing
	ReadinessInterval time.Duration `mapstructure:"readiness-interval"`
	ReadinessTimeout  time.Duration `mapstructure:"readiness-timeout"`
	ConfigInterval    time.Duration `mapstructure:"config-interval"`
	PayloadInterval   time.Duration `mapstructure:"payload-interval"`
	LaunchInterval    time.Duration `mapstructure:"launch-interval"`
	NetworkSettle     time.Duration `mapstructure:"network-settle"`
	RetryBackoffMax   time.Duration `mapstructure:"retry-backoff-max"`
	WatchDebounce     time.Duration `mapstructure:"watch-debounce"`

	// Observability
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("descriptor-path", "/srv/kiosk/config.json")
	viper.SetDefault("storage-root", "/srv/kiosk")
	viper.SetDefault("volume-prefixes", []string{"/media", "/run/media"})
	viper.SetDefault("runtime-dir", "/run/user/1000")
	viper.SetDefault("apps-dir", "/var/lib/kioskd/apps")
	viper.SetDefault("cache-dir", "/var/cache/kioskd")
	viper.SetDefault("self-package", "kioskd")
	viper.SetDefault("payload-package", "nodeapp")
	viper.SetDefault("payload-unit", "nodeapp.service")
	viper.SetDefault("policy-path", "/var/lib/kioskd/policy.yaml")
	viper.SetDefault("lock-target", "kiosk-locked.target")
	viper.SetDefault("wifi-interface", "")
	viper.SetDefault("sqlite-path", "/var/lib/kioskd/kioskd.db")
	viper.SetDefault("fsm-db-path", "/var/lib/kioskd/fsm")
	viper.SetDefault("journal-keep", 50)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", true)
	viper.SetDefault("max-file-size", 512*1024*1024)
	viper.SetDefault("max-total-size", 2*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("max-artifact-size", 1024*1024*1024)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("readiness-interval", 700*time.Millisecond)
	viper.SetDefault("readiness-timeout", 60*time.Second)
	viper.SetDefault("config-interval", 3*time.Second)
	viper.SetDefault("payload-interval", 5*time.Second)
	viper.SetDefault("launch-interval", 5*time.Second)
	viper.SetDefault("network-settle", 5*time.Second)
	viper.SetDefault("retry-backoff-max", 0)
	viper.SetDefault("watch-debounce", 500*time.Millisecond)
	viper.SetDefault("metrics-addr", ":9464")
	viper.SetDefault("log-level", "info")

	// Environment variables (will be KIOSKD_DESCRIPTOR_PATH, etc.)
	viper.SetEnvPrefix("KIOSKD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/kioskd")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	paths := []struct{ key, value string }{
		{"descriptor-path", c.DescriptorPath},
		{"storage-root", c.StorageRoot},
		{"apps-dir", c.AppsDir},
		{"cache-dir", c.CacheDir},
		{"policy-path", c.PolicyPath},
		{"sqlite-path", c.SQLitePath},
		{"fsm-db-path", c.FSMDBPath},
	}
	for _, p := range paths {
		if p.value == "" {
			return fmt.Errorf("%s cannot be empty", p.key)
		}
	}
	if c.PayloadPackage == "" {
		return fmt.Errorf("payload-package cannot be empty")
	}
	if c.PayloadUnit == "" {
		return fmt.Errorf("payload-unit cannot be empty")
	}

	intervals := []struct {
		key   string
		value time.Duration
	}{
		{"readiness-interval", c.ReadinessInterval},
		{"readiness-timeout", c.ReadinessTimeout},
		{"config-interval", c.ConfigInterval},
		{"payload-interval", c.PayloadInterval},
		{"launch-interval", c.LaunchInterval},
		{"network-settle", c.NetworkSettle},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be positive", iv.key)
		}
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry-backoff-max must be non-negative")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("watch-debounce must be non-negative")
	}

	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.MaxArtifactSize < 0 {
		return fmt.Errorf("max-artifact-size must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.JournalKeep < 0 {
		return fmt.Errorf("journal-keep must be non-negative")
	}
	return nil
}
