package cfg

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// MaterializeMode selects where materialization runs relative to the writer
type MaterializeMode string

const (
	MaterializeSync       MaterializeMode = "sync"       // Apply in the committing goroutine
	MaterializeBackground MaterializeMode = "background" // Apply on a dedicated worker
)

// CompactionPolicyName selects the change log compaction policy
type CompactionPolicyName string

const (
	CompactionRetainAll       CompactionPolicyName = "retain_all"
	CompactionAckedByAllPeers CompactionPolicyName = "acked_by_all_peers"
)

// StorageConfiguration controls where the change log and row store live
type StorageConfiguration struct {
	InMemory      bool   `toml:"in_memory"`       // Keep log and row store in memory (tests, ephemeral views)
	RowStoreFile  string `toml:"row_store_file"`  // SQLite file name inside data_dir
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // SQLite busy timeout
	AsyncRowStore bool   `toml:"async_row_store"` // Reach the row store through the message passing executor
}

// MaterializerConfiguration controls the materializer
type MaterializerConfiguration struct {
	Mode      MaterializeMode `toml:"mode"`
	CacheSize int             `toml:"cache_size"` // Cell clock LRU entries
	QueueSize int             `toml:"queue_size"` // Background queue depth
}

// SyncConfiguration controls peer synchronization
type SyncConfiguration struct {
	BatchSize       int      `toml:"batch_size"`       // Records per transport batch
	IntervalSeconds int      `toml:"interval_seconds"` // Periodic sync interval (0 = manual)
	Peers           []string `toml:"peers"`            // Known peers as site_id=address
	Tag             int64    `toml:"tag"`              // Cursor class for tracked peers
	Tables          []string `toml:"tables"`           // Glob patterns of tables to ship (empty = all)
}

// CompactionConfiguration controls change log garbage collection
type CompactionConfiguration struct {
	Policy          CompactionPolicyName `toml:"policy"`
	IntervalSeconds int                  `toml:"interval_seconds"`
	KeepTombstones  bool                 `toml:"keep_tombstones"`
}

// ClockConfiguration controls HLC diagnostics
type ClockConfiguration struct {
	MaxDriftMS int64 `toml:"max_drift_ms"`
}

// HTTPConfiguration for the sync/admin HTTP listener
type HTTPConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AdminSecret string `toml:"admin_secret"` // Required by /admin when set
}

// GRPCConfiguration for the gRPC sync listener
type GRPCConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// NATSConfiguration for the NATS transport
type NATSConfiguration struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	TimeoutMS     int    `toml:"timeout_ms"`
}

// KafkaConfiguration for the Kafka transport
type KafkaConfiguration struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
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
	SiteID     string `toml:"site_id"`
	DataDir    string `toml:"data_dir"`
	SchemaFile string `toml:"schema_file"` // TOML table declarations (empty = key/value table)

	Storage      StorageConfiguration      `toml:"storage"`
	Materializer MaterializerConfiguration `toml:"materializer"`
	Sync         SyncConfiguration         `toml:"sync"`
	Compaction   CompactionConfiguration   `toml:"compaction"`
	Clock        ClockConfiguration        `toml:"clock"`
	HTTP         HTTPConfiguration         `toml:"http"`
	GRPC         GRPCConfiguration         `toml:"grpc"`
	NATS         NATSConfiguration         `toml:"nats"`
	Kafka        KafkaConfiguration        `toml:"kafka"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	SiteIDFlag     = flag.String("site-id", "", "Site ID (overrides config, empty=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default returns a configuration populated with defaults.
func Default() *Configuration {
	return &Configuration{
		SiteID:  "", // Auto-generate
		DataDir: "./safs-data",

		Storage: StorageConfiguration{
			InMemory:      false,
			RowStoreFile:  "safs.db",
			BusyTimeoutMS: 5000,
			AsyncRowStore: false,
		},

		Materializer: MaterializerConfiguration{
			Mode:      MaterializeSync,
			CacheSize: 4096,
			QueueSize: 256,
		},

		Sync: SyncConfiguration{
			BatchSize:       500,
			IntervalSeconds: 10,
			Peers:           []string{},
			Tag:             0,
		},

		Compaction: CompactionConfiguration{
			Policy:          CompactionRetainAll,
			IntervalSeconds: 600, // 10 minutes
			KeepTombstones:  true,
		},

		Clock: ClockConfiguration{
			MaxDriftMS: 60 * 1000,
		},

		HTTP: HTTPConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8470,
		},

		GRPC: GRPCConfiguration{
			Enabled:     false,
			BindAddress: "0.0.0.0",
			Port:        8471,
		},

		NATS: NATSConfiguration{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "safs.sync",
			TimeoutMS:     5000,
		},

		Kafka: KafkaConfiguration{
			Enabled: false,
			Topic:   "safs-changes",
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *SiteIDFlag != "" {
		Config.SiteID = *SiteIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	// Auto-generate site ID if not set
	if Config.SiteID == "" {
		var err error
		Config.SiteID, err = generateSiteID()
		if err != nil {
			return fmt.Errorf("failed to generate site ID: %w", err)
		}
		log.Info().Str("site_id", Config.SiteID).Msg("Auto-generated site ID")
	}

	if Config.Storage.InMemory {
		return nil
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateSiteID derives a stable site identifier from the machine ID
func generateSiteID() (string, error) {
	return machineid.ProtectedID("safs")
}

// Validate checks configuration for errors
func Validate() error {
	if Config.SiteID == "" {
		return fmt.Errorf("site_id must not be empty")
	}

	if Config.HTTP.Enabled && (Config.HTTP.Port < 1 || Config.HTTP.Port > 65535) {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.GRPC.Enabled && (Config.GRPC.Port < 1 || Config.GRPC.Port > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", Config.GRPC.Port)
	}

	switch Config.Materializer.Mode {
	case MaterializeSync, MaterializeBackground:
	default:
		return fmt.Errorf("invalid materializer mode: %s", Config.Materializer.Mode)
	}

	if Config.Materializer.CacheSize < 1 {
		return fmt.Errorf("materializer cache size must be >= 1")
	}

	if Config.Materializer.Mode == MaterializeBackground && Config.Materializer.QueueSize < 1 {
		return fmt.Errorf("materializer queue size must be >= 1 in background mode")
	}

	if Config.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be >= 1")
	}

	if Config.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync interval must be >= 0")
	}

	if _, err := ParsePeers(Config.Sync.Peers); err != nil {
		return err
	}

	switch Config.Compaction.Policy {
	case CompactionRetainAll, CompactionAckedByAllPeers:
	default:
		return fmt.Errorf("invalid compaction policy: %s", Config.Compaction.Policy)
	}

	if Config.Clock.MaxDriftMS < 1 {
		return fmt.Errorf("clock max drift must be >= 1ms")
	}

	if Config.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be >= 0")
	}

	if Config.NATS.Enabled && Config.NATS.URL == "" {
		return fmt.Errorf("nats transport requires url")
	}

	if Config.Kafka.Enabled && len(Config.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka transport requires at least one broker")
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require a secret
func IsAdminAuthEnabled() bool {
	return Config.HTTP.AdminSecret != ""
}

// Peer is a configured remote site
type Peer struct {
	SiteID  string
	Address string
}

// ParsePeers parses "site_id=address" entries
func ParsePeers(entries []string) ([]Peer, error) {
	peers := make([]Peer, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		var site, addr string
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				site, addr = entry[:i], entry[i+1:]
				break
			}
		}
		if site == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: expected site_id=address", entry)
		}
		if seen[site] {
			return nil, fmt.Errorf("duplicate peer %q", site)
		}
		seen[site] = true
		peers = append(peers, Peer{SiteID: site, Address: addr})
	}
	return peers, nil
}

// GetRowStorePath returns the SQLite DSN for the row store
func GetRowStorePath() string {
	if Config.Storage.InMemory {
		return ":memory:"
	}
	return path.Join(Config.DataDir, Config.Storage.RowStoreFile)
}

// GetChangeLogPath returns the Pebble directory of the change log
func GetChangeLogPath() string {
	return path.Join(Config.DataDir, "changelog")
}
