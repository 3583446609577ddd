package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreDriver identifies the SQL driver backing the durable store
type StoreDriver string

const (
	DriverSQLite StoreDriver = "sqlite3"
	DriverMySQL  StoreDriver = "mysql"
)

// CacheType identifies the cache layer implementation
type CacheType string

const (
	CacheLocal CacheType = "local" // In-process expirable LRU
	CacheNATS  CacheType = "nats"  // NATS JetStream Key-Value bucket
	CacheNoop  CacheType = "noop"  // Disabled
)

// StoreConfiguration for the durable subscription store and change log
type StoreConfiguration struct {
	Driver          StoreDriver `toml:"driver"`
	DSN             string      `toml:"dsn"`
	Embedded        bool        `toml:"embedded"` // Bootstrap schema + capture triggers (sqlite only)
	MaxOpenConns    int         `toml:"max_open_conns"`
	MaxIdleConns    int         `toml:"max_idle_conns"`
	ConnLifetimeSec int         `toml:"conn_lifetime_seconds"`
}

// SyncConfiguration controls the reconciliation engine and scheduler
type SyncConfiguration struct {
	Enabled                  bool `toml:"enabled"`
	IntervalSeconds          int  `toml:"interval_seconds"`
	BatchSize                int  `toml:"batch_size"`
	RetryBatchSize           int  `toml:"retry_batch_size"`
	Workers                  int  `toml:"workers"`
	MaxRetries               int  `toml:"max_retries"`
	RetryBackoffSeconds      int  `toml:"retry_backoff_seconds"`       // Base of the exponential backoff
	RetryBackoffCapSeconds   int  `toml:"retry_backoff_cap_seconds"`   // Upper bound on the backoff window
	MaxProcessingTimeMinutes int  `toml:"max_processing_time_minutes"` // Stuck-cycle threshold
	HealthCheckSeconds       int  `toml:"health_check_seconds"`
	HealthThresholdMinutes   int  `toml:"health_threshold_minutes"` // Recent-failure window for DOWN
	MaxUnprocessed           int  `toml:"max_unprocessed"`          // Backlog ceiling for DOWN
	MaxLagSeconds            int  `toml:"max_lag_seconds"`          // Lag ceiling for DOWN
	CleanupIntervalSeconds   int  `toml:"cleanup_interval_seconds"`
	RetentionDays            int  `toml:"retention_days"` // Age after which PROCESSED records are purged
}

// CacheConfiguration for the derived subscriber cache
type CacheConfiguration struct {
	Type       CacheType `toml:"type"`
	Size       int       `toml:"size"`        // Entry limit (local)
	TTLSeconds int       `toml:"ttl_seconds"` // Entry TTL
	NatsURL    string    `toml:"nats_url"`    // NATS server (nats type)
	Bucket     string    `toml:"bucket"`      // KV bucket name (nats type)
}

// IndexConfiguration for the in-memory subscriber index
type IndexConfiguration struct {
	RebuildOnStart       bool   `toml:"rebuild_on_start"`
	ScanBatchSize        int    `toml:"scan_batch_size"`
	SimulatorAddress     string `toml:"simulator_address"` // Downstream network simulator (host:port)
	ProbeIntervalSeconds int    `toml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int    `toml:"probe_timeout_seconds"`
	ProbeFailThreshold   int    `toml:"probe_fail_threshold"`
}

// SinkConfiguration describes one notification destination
type SinkConfiguration struct {
	Name           string   `toml:"name"`
	Type           string   `toml:"type"` // "http", "nats" or "kafka"
	Endpoints      []string `toml:"endpoints"`
	Secret         string   `toml:"secret"` // HMAC signing secret (http type)
	NatsURL        string   `toml:"nats_url"`
	SubjectPrefix  string   `toml:"subject_prefix"`
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	FilterTables   []string `toml:"filter_tables"`
	FilterEvents   []string `toml:"filter_events"`
	MaxAttempts    int      `toml:"max_attempts"`
	RetryBackoffMS int      `toml:"retry_backoff_ms"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	CompressOverKB int      `toml:"compress_over_kb"` // Gzip bodies above this size, 0 = never (http type)
}

// NotifierConfiguration for the notification dispatcher
type NotifierConfiguration struct {
	QueueSize      int                 `toml:"queue_size"`
	Workers        int                 `toml:"workers"`
	DedupeCapacity int                 `toml:"dedupe_capacity"` // Recently-dispatched filter size, 0 disables
	Sinks          []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the operational HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // PSK for /admin routes, empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Sync       SyncConfiguration       `toml:"sync"`
	Cache      CacheConfiguration      `toml:"cache"`
	Index      IndexConfiguration      `toml:"index"`
	Notifier   NotifierConfiguration   `toml:"notifier"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "subwatch.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin/health HTTP port (overrides config)")
	DSNFlag        = flag.String("dsn", "", "Store DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./subwatch-data",

	Store: StoreConfiguration{
		Driver:          DriverSQLite,
		DSN:             "./subwatch-data/subscriptions.db",
		Embedded:        true,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnLifetimeSec: 300,
	},

	Sync: SyncConfiguration{
		Enabled:                  true,
		IntervalSeconds:          30,
		BatchSize:                100,
		RetryBatchSize:           50,
		Workers:                  4,
		MaxRetries:               5,
		RetryBackoffSeconds:      60,   // 1m, 2m, 4m, 8m, 16m
		RetryBackoffCapSeconds:   3600, // Never wait more than an hour
		MaxProcessingTimeMinutes: 10,
		HealthCheckSeconds:       60,
		HealthThresholdMinutes:   15,
		MaxUnprocessed:           10000,
		MaxLagSeconds:            900,
		CleanupIntervalSeconds:   86400, // Nightly
		RetentionDays:            30,
	},

	Cache: CacheConfiguration{
		Type:       CacheLocal,
		Size:       10000,
		TTLSeconds: 3600,
		Bucket:     "subwatch-subscribers",
	},

	Index: IndexConfiguration{
		RebuildOnStart:       true,
		ScanBatchSize:        500,
		ProbeIntervalSeconds: 15,
		ProbeTimeoutSeconds:  3,
		ProbeFailThreshold:   3,
	},

	Notifier: NotifierConfiguration{
		QueueSize:      1024,
		Workers:        4,
		DedupeCapacity: 100000,
		Sinks:          []SinkConfiguration{},
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8380,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *DSNFlag != "" {
		Config.Store.DSN = *DSNFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("subwatch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("invalid store driver: %s", Config.Store.Driver)
	}

	if Config.Store.DSN == "" {
		return fmt.Errorf("store DSN is required")
	}

	if Config.Store.Embedded && Config.Store.Driver != DriverSQLite {
		return fmt.Errorf("embedded mode requires the sqlite3 driver")
	}

	if Config.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("sync interval must be >= 1 second")
	}

	if Config.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be >= 1")
	}

	if Config.Sync.RetryBatchSize < 1 {
		return fmt.Errorf("retry batch size must be >= 1")
	}

	if Config.Sync.Workers < 1 {
		return fmt.Errorf("sync workers must be >= 1")
	}

	if Config.Sync.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}

	if Config.Sync.RetryBackoffSeconds < 1 {
		return fmt.Errorf("retry backoff must be >= 1 second")
	}

	if Config.Sync.RetryBackoffCapSeconds < Config.Sync.RetryBackoffSeconds {
		return fmt.Errorf("retry backoff cap must be >= retry backoff base")
	}

	if Config.Sync.MaxProcessingTimeMinutes < 1 {
		return fmt.Errorf("max processing time must be >= 1 minute")
	}

	if Config.Sync.RetentionDays < 1 {
		return fmt.Errorf("retention must be >= 1 day")
	}

	switch Config.Cache.Type {
	case CacheLocal, CacheNoop:
	case CacheNATS:
		if Config.Cache.NatsURL == "" {
			return fmt.Errorf("nats cache requires nats_url")
		}
		if Config.Cache.Bucket == "" {
			return fmt.Errorf("nats cache requires bucket")
		}
	default:
		return fmt.Errorf("invalid cache type: %s", Config.Cache.Type)
	}

	if Config.Cache.Type == CacheLocal && Config.Cache.Size < 1 {
		return fmt.Errorf("local cache size must be >= 1")
	}

	if Config.Index.ScanBatchSize < 1 {
		return fmt.Errorf("index scan batch size must be >= 1")
	}

	if Config.Index.SimulatorAddress != "" {
		if Config.Index.ProbeIntervalSeconds < 1 {
			return fmt.Errorf("probe interval must be >= 1 second")
		}
		if Config.Index.ProbeTimeoutSeconds < 1 {
			return fmt.Errorf("probe timeout must be >= 1 second")
		}
		if Config.Index.ProbeFailThreshold < 1 {
			return fmt.Errorf("probe fail threshold must be >= 1")
		}
	}

	if Config.Notifier.QueueSize < 1 {
		return fmt.Errorf("notifier queue size must be >= 1")
	}

	if Config.Notifier.Workers < 1 {
		return fmt.Errorf("notifier workers must be >= 1")
	}

	names := make(map[string]bool, len(Config.Notifier.Sinks))
	for _, snk := range Config.Notifier.Sinks {
		if snk.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[snk.Name] {
			return fmt.Errorf("duplicate sink name: %s", snk.Name)
		}
		names[snk.Name] = true

		switch strings.ToLower(snk.Type) {
		case "http":
			if len(snk.Endpoints) == 0 {
				return fmt.Errorf("http sink %q requires at least one endpoint", snk.Name)
			}
		case "nats":
			if snk.NatsURL == "" {
				return fmt.Errorf("nats sink %q requires nats_url", snk.Name)
			}
		case "kafka":
			if len(snk.Brokers) == 0 {
				return fmt.Errorf("kafka sink %q requires at least one broker", snk.Name)
			}
		default:
			return fmt.Errorf("sink %q has unknown type: %s", snk.Name, snk.Type)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin routes require a shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the configured admin PSK
func GetAdminSecret() string {
	return Config.Admin.Secret
}
