// Package config loads service configuration from defaults, an optional
// YAML or JSON file, and KB_-prefixed environment overrides, in that order.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/ragserve/internal/chunking"
	"github.com/thebtf/ragserve/internal/kberr"
)

// Backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "KB_"

// MinHeartbeatInterval is the floor, in seconds, for the health tick.
const MinHeartbeatInterval = 10

// Config holds every recognized option.
type Config struct {
	// KnowledgeDirs are the directories scanned for ingestable documents.
	KnowledgeDirs []string `json:"knowledge_dirs" yaml:"knowledge_dirs"`

	// CacheFile is the JSON index snapshot path. Empty disables snapshots.
	CacheFile string `json:"cache_file" yaml:"cache_file"`

	// MaxCacheSize is the per-project query cache capacity.
	MaxCacheSize int `json:"max_cache_size" yaml:"max_cache_size"`

	// HeartbeatInterval is the background health tick in seconds.
	HeartbeatInterval int `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// MaxWorkers bounds ingestion parallelism. Defaults to the host CPU count.
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// EmbeddingModel selects the registered embedding model version.
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`

	// VectorSearchMode is the default query mode: vector, keyword, or hybrid.
	VectorSearchMode string `json:"vector_search_mode" yaml:"vector_search_mode"`

	// UseVectorSearch is the master switch; off means keyword-only queries.
	UseVectorSearch bool `json:"use_vector_search" yaml:"use_vector_search"`

	// Chunking configures document splitting.
	Chunking chunking.Config `json:"chunking" yaml:"chunking"`

	// Backend selects the vector store: sqlite (embedded) or postgres.
	Backend string `json:"backend" yaml:"backend"`

	// BackendPath is the embedded store's database file.
	BackendPath string `json:"backend_path" yaml:"backend_path"`

	// BackendDSN is the PostgreSQL connection string for the postgres backend.
	BackendDSN string `json:"backend_dsn" yaml:"backend_dsn"`

	// ProjectsDB is the SQLite file holding project metadata.
	ProjectsDB string `json:"projects_db" yaml:"projects_db"`

	// ListenAddr is the HTTP bind address for the server binary.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DataDir returns the default data directory (~/.ragserve).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ragserve")
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		CacheFile:         filepath.Join(DataDir(), "index_snapshot.json"),
		MaxCacheSize:      100,
		HeartbeatInterval: 30,
		MaxWorkers:        runtime.NumCPU(),
		VectorSearchMode:  "hybrid",
		UseVectorSearch:   true,
		Chunking:          chunking.DefaultConfig(),
		Backend:           BackendSQLite,
		BackendPath:       filepath.Join(DataDir(), "vectors.db"),
		ProjectsDB:        filepath.Join(DataDir(), "projects.db"),
		ListenAddr:        ":8080",
		LogLevel:          "info",
	}
}

// Load builds the effective configuration: defaults, then the file at path
// (if any), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return kberr.Wrap(kberr.ConfigError, err, "read config file %s", path)
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return kberr.Wrap(kberr.ConfigError, err, "parse yaml config %s", path)
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return kberr.Wrap(kberr.ConfigError, err, "parse json config %s", path)
		}
	default:
		return kberr.New(kberr.ConfigError, "unsupported config extension %q", ext)
	}
	return nil
}

// applyEnv folds KB_* variables over the current values.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPrefix + "KNOWLEDGE_DIRS"); v != "" {
		c.KnowledgeDirs = splitTrim(v)
	}
	if v := os.Getenv(EnvPrefix + "CACHE_FILE"); v != "" {
		c.CacheFile = v
	}
	if v := os.Getenv(EnvPrefix + "EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if v := os.Getenv(EnvPrefix + "VECTOR_SEARCH_MODE"); v != "" {
		c.VectorSearchMode = v
	}
	if v := os.Getenv(EnvPrefix + "CHUNKING_STRATEGY"); v != "" {
		c.Chunking.Strategy = v
	}
	if v := os.Getenv(EnvPrefix + "BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "BACKEND_PATH"); v != "" {
		c.BackendPath = v
	}
	if v := os.Getenv(EnvPrefix + "BACKEND_DSN"); v != "" {
		c.BackendDSN = v
	}
	if v := os.Getenv(EnvPrefix + "PROJECTS_DB"); v != "" {
		c.ProjectsDB = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	for _, iv := range []struct {
		name   string
		target *int
	}{
		{"MAX_CACHE_SIZE", &c.MaxCacheSize},
		{"HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"MAX_WORKERS", &c.MaxWorkers},
		{"CHUNK_SIZE", &c.Chunking.Size},
		{"CHUNK_OVERLAP", &c.Chunking.Overlap},
	} {
		v := os.Getenv(EnvPrefix + iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return kberr.New(kberr.ConfigError, "%s%s: not an integer: %q", EnvPrefix, iv.name, v)
		}
		*iv.target = n
	}

	if v := os.Getenv(EnvPrefix + "USE_VECTOR_SEARCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return kberr.New(kberr.ConfigError, "%sUSE_VECTOR_SEARCH: not a boolean: %q", EnvPrefix, v)
		}
		c.UseVectorSearch = b
	}
	return nil
}

// Validate rejects impossible values and normalizes zero values.
func (c *Config) Validate() error {
	if c.MaxCacheSize <= 0 {
		return kberr.New(kberr.ConfigError, "max_cache_size must be positive, got %d", c.MaxCacheSize)
	}
	if c.HeartbeatInterval < MinHeartbeatInterval {
		return kberr.New(kberr.ConfigError,
			"heartbeat_interval must be at least %d seconds, got %d",
			MinHeartbeatInterval, c.HeartbeatInterval)
	}
	if c.MaxWorkers < 1 {
		return kberr.New(kberr.ConfigError, "max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	switch c.VectorSearchMode {
	case "vector", "keyword", "hybrid":
	default:
		return kberr.New(kberr.ConfigError, "vector_search_mode must be vector, keyword, or hybrid, got %q", c.VectorSearchMode)
	}
	switch c.Backend {
	case BackendSQLite:
		if c.BackendPath == "" {
			return kberr.New(kberr.ConfigError, "backend_path required for the sqlite backend")
		}
	case BackendPostgres:
		if c.BackendDSN == "" {
			return kberr.New(kberr.ConfigError, "backend_dsn required for the postgres backend")
		}
	default:
		return kberr.New(kberr.ConfigError, "backend must be %s or %s, got %q", BackendSQLite, BackendPostgres, c.Backend)
	}
	return c.Chunking.Validate()
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
