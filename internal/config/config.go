// Package config loads the settings shared by the keepsake binaries from
// environment variables, applying .env files first (see LoadDotEnv) so a
// checked-in development file works without exporting anything. Every key
// has a default except the credentials the selected storage backend
// requires; those fail LoadConfig with an error naming each missing
// variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backend names accepted by MCP_MEMORY_STORAGE_BACKEND.
const (
	BackendSQLiteVec  = "sqlite_vec"
	BackendHybrid     = "hybrid"
	BackendCloudflare = "cloudflare"
	BackendPgvector   = "pgvector"
)

// Security modes accepted by MCP_SECURITY_MODE.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Quality provider names accepted by MCP_QUALITY_PROVIDER.
const (
	QualityImplicit = "implicit"
	QualityExternal = "external"
	QualityNone     = "none"
)

// Config holds every setting the keepsake binaries read at startup. It is
// built once by LoadConfig and treated as read-only afterwards.
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Hybrid        HybridConfig
	Cloudflare    CloudflareConfig
	Embedding     EmbeddingConfig
	Memory        MemoryConfig
	Consolidation ConsolidationConfig
	Quality       QualityConfig
	Security      SecurityConfig
	Backup        BackupConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string // MCP_HTTP_HOST: bind address (default: 127.0.0.1)
	Port int    // MCP_HTTP_PORT: listen port (default: 6363)
}

// Addr returns the host:port the HTTP server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is the storage backend name: sqlite_vec, hybrid,
	// cloudflare, or pgvector (default: sqlite_vec).
	// Env var: MCP_MEMORY_STORAGE_BACKEND
	Backend string

	// SQLitePath is the sqlite_vec database file. Defaults to
	// keepsake.db under the platform data directory (see DataDir).
	// Env var: MCP_MEMORY_SQLITE_PATH
	SQLitePath string

	// SQLitePragmas holds extra connection pragmas parsed from a
	// comma-separated list, e.g. "busy_timeout=15000,cache_size=20000".
	// Env var: MCP_MEMORY_SQLITE_PRAGMAS
	SQLitePragmas map[string]string

	// PgvectorDSN is the Postgres connection string for the pgvector
	// backend.
	// Env var: MCP_MEMORY_PGVECTOR_DSN
	PgvectorDSN string
}

// HybridConfig tunes the local-primary, remote-secondary sync engine.
type HybridConfig struct {
	SyncInterval           time.Duration // MCP_HYBRID_SYNC_INTERVAL: seconds between sync status polls (default: 300)
	BatchSize              int           // MCP_HYBRID_BATCH_SIZE: ops per dispatch round (default: 100)
	MaxQueueSize           int           // MCP_HYBRID_MAX_QUEUE_SIZE: sync queue bound (default: 2000)
	DriftInterval          time.Duration // MCP_HYBRID_DRIFT_CHECK_INTERVAL: seconds between drift passes (default: 3600)
	DriftBatchSize         int           // MCP_HYBRID_DRIFT_BATCH_SIZE: page size for drift scans (default: 100)
	SyncOwner              string        // MCP_HYBRID_SYNC_OWNER: which process consumes the queue: http, rpc, or both (default: both)
	SyncUpdates            bool          // MCP_HYBRID_SYNC_UPDATES: propagate metadata-only updates to the remote (default: true)
	TombstoneRetentionDays int           // TOMBSTONE_RETENTION_DAYS: days before purged tombstones are dropped (default: 30)
}

// CloudflareConfig carries the credentials for the Cloudflare backend.
// All of these are required when the backend is cloudflare or hybrid,
// except R2Bucket which only gates large-content offload.
type CloudflareConfig struct {
	APIToken       string // CLOUDFLARE_API_TOKEN
	AccountID      string // CLOUDFLARE_ACCOUNT_ID
	VectorizeIndex string // CLOUDFLARE_VECTORIZE_INDEX
	D1DatabaseID   string // CLOUDFLARE_D1_DATABASE_ID
	R2Bucket       string // CLOUDFLARE_R2_BUCKET (optional)
}

// EmbeddingConfig selects the embedding provider. When ExternalURL is set
// the OpenAI-compatible external provider is used; Ollama otherwise.
type EmbeddingConfig struct {
	Model          string // MCP_EMBEDDING_MODEL: Ollama embedding model (default: nomic-embed-text)
	Dimension      int    // MCP_EMBEDDING_DIMENSION: overrides the model's default vector width
	OllamaURL      string // MCP_OLLAMA_URL: Ollama base URL (default: http://localhost:11434)
	ExternalURL    string // MCP_EXTERNAL_EMBEDDING_URL: OpenAI-compatible embeddings endpoint
	ExternalModel  string // MCP_EXTERNAL_EMBEDDING_MODEL: model for the external endpoint (default: text-embedding-3-small)
	ExternalAPIKey string // MCP_EXTERNAL_EMBEDDING_API_KEY: bearer token for the external endpoint
}

// UsesExternal reports whether the external embedding endpoint is
// configured.
func (c EmbeddingConfig) UsesExternal() bool {
	return c.ExternalURL != ""
}

// MemoryConfig tunes memory service behavior.
type MemoryConfig struct {
	IncludeHostname    bool // MCP_MEMORY_INCLUDE_HOSTNAME: tag stored memories with the source machine (default: false)
	AutoSplit          bool // MCP_ENABLE_AUTO_SPLIT: chunk oversized content instead of rejecting it (default: true)
	SplitOverlap       int  // MCP_CONTENT_SPLIT_OVERLAP: characters consecutive chunks share (default: 50)
	PreserveBoundaries bool // CONTENT_PRESERVE_BOUNDARIES: split at paragraph/sentence/word boundaries (default: true)
	MaxResponseChars   int  // MCP_MAX_RESPONSE_CHARS: cap on serialized search results, 0 disables (default: 0)
}

// ConsolidationConfig controls the background consolidation engine.
type ConsolidationConfig struct {
	Enabled bool // MCP_CONSOLIDATION_ENABLED: run the consolidation engine (default: false)

	// Daily, Weekly, and Monthly are HH:MM clocks for the scheduler.
	// An empty value (or "off") disables that horizon.
	Daily   string // MCP_SCHEDULE_DAILY (default: 02:00)
	Weekly  string // MCP_SCHEDULE_WEEKLY (default: 03:00)
	Monthly string // MCP_SCHEDULE_MONTHLY (default: 04:00)

	QualityBoostEnabled    bool    // MCP_CONSOLIDATION_QUALITY_BOOST_ENABLED: boost well-connected memories (default: true)
	MinConnectionsForBoost int     // MCP_CONSOLIDATION_MIN_CONNECTIONS_FOR_BOOST (default: 5)
	QualityBoostFactor     float64 // MCP_CONSOLIDATION_QUALITY_BOOST_FACTOR (default: 1.2)

	// GraphMode is how discovered associations are persisted:
	// graph_only, memories_only, or dual_write (default: graph_only).
	// Env var: GRAPH_STORAGE_MODE
	GraphMode string
}

// QualityConfig selects the memory quality scorer.
type QualityConfig struct {
	Provider       string // MCP_QUALITY_PROVIDER: implicit, external, or none (default: implicit)
	ExternalURL    string // MCP_QUALITY_EXTERNAL_URL: scoring endpoint for the external provider
	ExternalAPIKey string // MCP_QUALITY_EXTERNAL_API_KEY: bearer token for the scoring endpoint
}

// SecurityConfig contains authentication settings for the HTTP surface.
type SecurityConfig struct {
	Mode     string // MCP_SECURITY_MODE: development or production (default: development)
	APIToken string // MCP_API_TOKEN: bearer token; required in production mode
}

// BackupConfig contains database snapshot configuration.
type BackupConfig struct {
	Enabled          bool          // MCP_MEMORY_BACKUPS_ENABLED: take periodic snapshots (default: false)
	Path             string        // MCP_MEMORY_BACKUPS_PATH: snapshot directory (default: backups under the data dir)
	Interval         time.Duration // MCP_MEMORY_BACKUPS_INTERVAL: duration between snapshots (default: 6h)
	Verify           bool          // MCP_MEMORY_BACKUPS_VERIFY: integrity-check each snapshot (default: true)
	RetentionHourly  int           // MCP_MEMORY_BACKUPS_RETENTION_HOURLY: hourly snapshots kept (default: 24)
	RetentionDaily   int           // MCP_MEMORY_BACKUPS_RETENTION_DAILY: daily snapshots kept (default: 7)
	RetentionWeekly  int           // MCP_MEMORY_BACKUPS_RETENTION_WEEKLY: weekly snapshots kept (default: 4)
	RetentionMonthly int           // MCP_MEMORY_BACKUPS_RETENTION_MONTHLY: monthly snapshots kept (default: 12)
}

// LoadConfig applies .env files, reads the environment, and returns the
// validated configuration.
func LoadConfig() (*Config, error) {
	LoadDotEnv()
	cfg := buildBaseConfig()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("MCP_HTTP_HOST", "127.0.0.1"),
			Port: getEnvInt("MCP_HTTP_PORT", 6363),
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(strings.TrimSpace(getEnv("MCP_MEMORY_STORAGE_BACKEND", BackendSQLiteVec))),
			SQLitePath:    getEnv("MCP_MEMORY_SQLITE_PATH", DefaultDatabasePath()),
			SQLitePragmas: parsePragmas(getEnv("MCP_MEMORY_SQLITE_PRAGMAS", "")),
			PgvectorDSN:   getEnv("MCP_MEMORY_PGVECTOR_DSN", ""),
		},
		Hybrid: HybridConfig{
			SyncInterval:           getEnvSeconds("MCP_HYBRID_SYNC_INTERVAL", 300),
			BatchSize:              getEnvInt("MCP_HYBRID_BATCH_SIZE", 100),
			MaxQueueSize:           getEnvInt("MCP_HYBRID_MAX_QUEUE_SIZE", 2000),
			DriftInterval:          getEnvSeconds("MCP_HYBRID_DRIFT_CHECK_INTERVAL", 3600),
			DriftBatchSize:         getEnvInt("MCP_HYBRID_DRIFT_BATCH_SIZE", 100),
			SyncOwner:              strings.ToLower(strings.TrimSpace(getEnv("MCP_HYBRID_SYNC_OWNER", "both"))),
			SyncUpdates:            getEnvBool("MCP_HYBRID_SYNC_UPDATES", true),
			TombstoneRetentionDays: getEnvInt("TOMBSTONE_RETENTION_DAYS", 30),
		},
		Cloudflare: CloudflareConfig{
			APIToken:       getEnv("CLOUDFLARE_API_TOKEN", ""),
			AccountID:      getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
			VectorizeIndex: getEnv("CLOUDFLARE_VECTORIZE_INDEX", ""),
			D1DatabaseID:   getEnv("CLOUDFLARE_D1_DATABASE_ID", ""),
			R2Bucket:       getEnv("CLOUDFLARE_R2_BUCKET", ""),
		},
		Embedding: EmbeddingConfig{
			Model:          getEnv("MCP_EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension:      getEnvInt("MCP_EMBEDDING_DIMENSION", 0),
			OllamaURL:      getEnv("MCP_OLLAMA_URL", "http://localhost:11434"),
			ExternalURL:    getEnv("MCP_EXTERNAL_EMBEDDING_URL", ""),
			ExternalModel:  getEnv("MCP_EXTERNAL_EMBEDDING_MODEL", "text-embedding-3-small"),
			ExternalAPIKey: getEnv("MCP_EXTERNAL_EMBEDDING_API_KEY", ""),
		},
		Memory: MemoryConfig{
			IncludeHostname:    getEnvBool("MCP_MEMORY_INCLUDE_HOSTNAME", false),
			AutoSplit:          getEnvBool("MCP_ENABLE_AUTO_SPLIT", true),
			SplitOverlap:       getEnvInt("MCP_CONTENT_SPLIT_OVERLAP", 50),
			PreserveBoundaries: getEnvBool("CONTENT_PRESERVE_BOUNDARIES", true),
			MaxResponseChars:   getEnvInt("MCP_MAX_RESPONSE_CHARS", 0),
		},
		Consolidation: ConsolidationConfig{
			Enabled:                getEnvBool("MCP_CONSOLIDATION_ENABLED", false),
			Daily:                  scheduleClock("MCP_SCHEDULE_DAILY", "02:00"),
			Weekly:                 scheduleClock("MCP_SCHEDULE_WEEKLY", "03:00"),
			Monthly:                scheduleClock("MCP_SCHEDULE_MONTHLY", "04:00"),
			QualityBoostEnabled:    getEnvBool("MCP_CONSOLIDATION_QUALITY_BOOST_ENABLED", true),
			MinConnectionsForBoost: getEnvInt("MCP_CONSOLIDATION_MIN_CONNECTIONS_FOR_BOOST", 5),
			QualityBoostFactor:     getEnvFloat("MCP_CONSOLIDATION_QUALITY_BOOST_FACTOR", 1.2),
			GraphMode:              strings.ToLower(strings.TrimSpace(getEnv("GRAPH_STORAGE_MODE", "graph_only"))),
		},
		Quality: QualityConfig{
			Provider:       strings.ToLower(strings.TrimSpace(getEnv("MCP_QUALITY_PROVIDER", QualityImplicit))),
			ExternalURL:    getEnv("MCP_QUALITY_EXTERNAL_URL", ""),
			ExternalAPIKey: getEnv("MCP_QUALITY_EXTERNAL_API_KEY", ""),
		},
		Security: SecurityConfig{
			Mode:     strings.ToLower(strings.TrimSpace(getEnv("MCP_SECURITY_MODE", ModeDevelopment))),
			APIToken: getEnv("MCP_API_TOKEN", ""),
		},
		Backup: BackupConfig{
			Enabled:          getEnvBool("MCP_MEMORY_BACKUPS_ENABLED", false),
			Path:             getEnv("MCP_MEMORY_BACKUPS_PATH", DefaultBackupDir()),
			Interval:         getEnvDuration("MCP_MEMORY_BACKUPS_INTERVAL", 6*time.Hour),
			Verify:           getEnvBool("MCP_MEMORY_BACKUPS_VERIFY", true),
			RetentionHourly:  getEnvInt("MCP_MEMORY_BACKUPS_RETENTION_HOURLY", 24),
			RetentionDaily:   getEnvInt("MCP_MEMORY_BACKUPS_RETENTION_DAILY", 7),
			RetentionWeekly:  getEnvInt("MCP_MEMORY_BACKUPS_RETENTION_WEEKLY", 4),
			RetentionMonthly: getEnvInt("MCP_MEMORY_BACKUPS_RETENTION_MONTHLY", 12),
		},
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendSQLiteVec, BackendHybrid, BackendCloudflare, BackendPgvector:
	default:
		return fmt.Errorf("config: unknown storage backend %q (valid: sqlite_vec, hybrid, cloudflare, pgvector)", c.Storage.Backend)
	}

	if c.Storage.Backend == BackendPgvector && c.Storage.PgvectorDSN == "" {
		return fmt.Errorf("config: storage backend %q requires MCP_MEMORY_PGVECTOR_DSN", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendCloudflare || c.Storage.Backend == BackendHybrid {
		if missing := c.Cloudflare.missingKeys(); len(missing) > 0 {
			return fmt.Errorf("config: storage backend %q requires %s", c.Storage.Backend, strings.Join(missing, ", "))
		}
	}

	switch c.Hybrid.SyncOwner {
	case "http", "rpc", "both":
	default:
		return fmt.Errorf("config: MCP_HYBRID_SYNC_OWNER must be http, rpc, or both, got %q", c.Hybrid.SyncOwner)
	}

	switch c.Security.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("config: MCP_SECURITY_MODE must be development or production, got %q", c.Security.Mode)
	}
	if c.Security.Mode == ModeProduction && c.Security.APIToken == "" {
		return errors.New("config: production security mode requires MCP_API_TOKEN")
	}

	switch c.Quality.Provider {
	case QualityImplicit, QualityExternal, QualityNone:
	default:
		return fmt.Errorf("config: MCP_QUALITY_PROVIDER must be implicit, external, or none, got %q", c.Quality.Provider)
	}
	if c.Quality.Provider == QualityExternal && c.Quality.ExternalURL == "" {
		return errors.New("config: the external quality provider requires MCP_QUALITY_EXTERNAL_URL")
	}

	switch c.Consolidation.GraphMode {
	case "graph_only", "memories_only", "dual_write":
	default:
		return fmt.Errorf("config: GRAPH_STORAGE_MODE must be graph_only, memories_only, or dual_write, got %q", c.Consolidation.GraphMode)
	}
	for key, clock := range map[string]string{
		"MCP_SCHEDULE_DAILY":   c.Consolidation.Daily,
		"MCP_SCHEDULE_WEEKLY":  c.Consolidation.Weekly,
		"MCP_SCHEDULE_MONTHLY": c.Consolidation.Monthly,
	} {
		if clock == "" {
			continue
		}
		if _, err := time.Parse("15:04", clock); err != nil {
			return fmt.Errorf("config: %s must be an HH:MM clock, got %q", key, clock)
		}
	}

	return nil
}

func (c CloudflareConfig) missingKeys() []string {
	var missing []string
	if c.APIToken == "" {
		missing = append(missing, "CLOUDFLARE_API_TOKEN")
	}
	if c.AccountID == "" {
		missing = append(missing, "CLOUDFLARE_ACCOUNT_ID")
	}
	if c.VectorizeIndex == "" {
		missing = append(missing, "CLOUDFLARE_VECTORIZE_INDEX")
	}
	if c.D1DatabaseID == "" {
		missing = append(missing, "CLOUDFLARE_D1_DATABASE_ID")
	}
	return missing
}

// parsePragmas splits a comma-separated pragma list into a map. Entries
// without an equals sign are skipped.
func parsePragmas(raw string) map[string]string {
	pragmas := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pragmas[key] = value
	}
	return pragmas
}

// scheduleClock reads a schedule key, mapping "off", "none", and
// "disabled" to the empty clock that disables the horizon.
func scheduleClock(key, defaultValue string) string {
	value := strings.TrimSpace(getEnv(key, defaultValue))
	switch strings.ToLower(value) {
	case "off", "none", "disabled":
		return ""
	}
	return value
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as a float,
// it returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvSeconds retrieves an integer environment variable holding a number
// of seconds, or returns the default (also in seconds).
func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

// getEnvDuration retrieves a duration environment variable such as "6h" or
// "90m", or returns a default value when unset or malformed.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
