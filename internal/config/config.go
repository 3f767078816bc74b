// Package config loads runtime configuration from a YAML file and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote drivers.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// Config is the root configuration.
type Config struct {
	DataDir  string         `yaml:"dataDir"`
	LogLevel string         `yaml:"logLevel"`
	Account  string         `yaml:"account"`
	Server   ServerConfig   `yaml:"server"`
	Remote   RemoteConfig   `yaml:"remote"`
	Queue    QueueConfig    `yaml:"queue"`
	Sync     SyncConfig     `yaml:"sync"`
	Hydrate  HydrateConfig  `yaml:"hydrate"`
	Rollover RolloverConfig `yaml:"rollover"`
	Export   ExportConfig   `yaml:"export"`
	Views    ViewsConfig    `yaml:"views"`
}

// ServerConfig configures the local HTTP/WebSocket server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	Driver   string `yaml:"driver"`
	MongoURI string `yaml:"mongoUri"`
	Database string `yaml:"database"`
}

// QueueConfig bounds the pending-write queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// SyncConfig tunes flush, backoff and the scheduler.
type SyncConfig struct {
	CallTimeout      time.Duration `yaml:"callTimeout"`
	BaseBackoff      time.Duration `yaml:"baseBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	ErrorLogCap      int           `yaml:"errorLogCap"`
	PeriodicInterval time.Duration `yaml:"periodicInterval"`
	WatchInterval    time.Duration `yaml:"watchInterval"`
}

// HydrateConfig tunes snapshot loading.
type HydrateConfig struct {
	PageSize         int           `yaml:"pageSize"`
	Ceiling          int           `yaml:"ceiling"`
	BackfillPageSize int           `yaml:"backfillPageSize"`
	BackfillDelay    time.Duration `yaml:"backfillDelay"`
	BatchLimit       int           `yaml:"batchLimit"`
}

// RolloverConfig tunes period compaction.
type RolloverConfig struct {
	Threshold   int           `yaml:"threshold"`
	Debounce    time.Duration `yaml:"debounce"`
	DeleteBatch int           `yaml:"deleteBatch"`
	AutoConfirm bool          `yaml:"autoConfirm"` // Run threshold rollovers without an operator
}

// ExportConfig configures backup files and their optional S3 copy.
type ExportConfig struct {
	Dir       string   `yaml:"dir"`
	Password  string   `yaml:"password"`
	Interval  string   `yaml:"interval"`
	Retention int      `yaml:"retention"`
	S3        S3Config `yaml:"s3"`
}

// S3Config holds the S3-compatible bucket that receives backup copies.
type S3Config struct {
	Provider     string `yaml:"provider"`
	AccountID    string `yaml:"accountId"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// Enabled reports whether an S3 copy is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// ViewsConfig tunes derived views.
type ViewsConfig struct {
	LowStockThreshold int `yaml:"lowStockThreshold"`
	PageSize          int `yaml:"pageSize"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		Server:   ServerConfig{Addr: "127.0.0.1:8780"},
		Remote:   RemoteConfig{Driver: DriverMemory, Database: "farmacontrol"},
		Queue:    QueueConfig{Capacity: 200},
		Sync: SyncConfig{
			CallTimeout:      15 * time.Second,
			BaseBackoff:      2 * time.Second,
			MaxBackoff:       30 * time.Second,
			ErrorLogCap:      50,
			PeriodicInterval: time.Minute,
			WatchInterval:    time.Second,
		},
		Hydrate: HydrateConfig{
			PageSize:         500,
			Ceiling:          5000,
			BackfillPageSize: 500,
			BackfillDelay:    50 * time.Millisecond,
			BatchLimit:       450,
		},
		Rollover: RolloverConfig{
			Threshold:   5000,
			Debounce:    2 * time.Second,
			DeleteBatch: 500,
		},
		Export: ExportConfig{
			Dir:       "exports",
			Interval:  "manual",
			Retention: 10,
		},
		Views: ViewsConfig{LowStockThreshold: 15, PageSize: 25},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FARMA_DATA_DIR", &c.DataDir)
	str("FARMA_LOG_LEVEL", &c.LogLevel)
	str("FARMA_ACCOUNT", &c.Account)
	str("FARMA_ADDR", &c.Server.Addr)
	str("FARMA_REMOTE_DRIVER", &c.Remote.Driver)
	str("MONGODB_URI", &c.Remote.MongoURI)
	str("MONGODB_DATABASE", &c.Remote.Database)
	str("FARMA_EXPORT_DIR", &c.Export.Dir)
	str("FARMA_EXPORT_PASSWORD", &c.Export.Password)
	str("FARMA_S3_PROVIDER", &c.Export.S3.Provider)
	str("FARMA_S3_BUCKET", &c.Export.S3.Bucket)
	str("FARMA_S3_REGION", &c.Export.S3.Region)
	str("FARMA_S3_ENDPOINT", &c.Export.S3.Endpoint)
	str("FARMA_S3_ACCESS_KEY", &c.Export.S3.AccessKey)
	str("FARMA_S3_SECRET_KEY", &c.Export.S3.SecretKey)

	if v, ok := lookup("FARMA_QUEUE_CAPACITY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FARMA_QUEUE_CAPACITY: %w", err)
		}
		c.Queue.Capacity = n
	}
	if v, ok := lookup("FARMA_CALL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FARMA_CALL_TIMEOUT: %w", err)
		}
		c.Sync.CallTimeout = d
	}
	return nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Remote.MongoURI == "" {
			return fmt.Errorf("remote.mongoUri is required for the mongo driver")
		}
		if c.Remote.Database == "" {
			return fmt.Errorf("remote.database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown remote driver %q", c.Remote.Driver)
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync.callTimeout must be positive")
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync backoff must satisfy 0 < baseBackoff <= maxBackoff")
	}
	if c.Sync.ErrorLogCap <= 0 {
		return fmt.Errorf("sync.errorLogCap must be positive")
	}
	if c.Hydrate.PageSize <= 0 || c.Hydrate.Ceiling < c.Hydrate.PageSize {
		return fmt.Errorf("hydrate.ceiling must be at least hydrate.pageSize")
	}
	if c.Hydrate.BackfillPageSize <= 0 {
		return fmt.Errorf("hydrate.backfillPageSize must be positive")
	}
	if c.Hydrate.BatchLimit <= 0 || c.Hydrate.BatchLimit > 500 {
		return fmt.Errorf("hydrate.batchLimit must be in 1..500")
	}
	if c.Rollover.Threshold <= 0 {
		return fmt.Errorf("rollover.threshold must be positive")
	}
	if c.Rollover.DeleteBatch <= 0 || c.Rollover.DeleteBatch > 500 {
		return fmt.Errorf("rollover.deleteBatch must be in 1..500")
	}
	switch c.Export.Interval {
	case "manual", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("unknown export.interval %q", c.Export.Interval)
	}
	if c.Views.PageSize <= 0 {
		return fmt.Errorf("views.pageSize must be positive")
	}
	return nil
}
