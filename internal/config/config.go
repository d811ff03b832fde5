package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"workshelf/api/internal/mode"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Meili      MeiliConfig      `yaml:"meili"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Export     ExportConfig     `yaml:"export"`
	Log        LogConfig        `yaml:"log"`
	Versioning VersioningConfig `yaml:"versioning"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"API_ADDR"                env-default:":8787"`
	CORSOrigin      string        `yaml:"cors_origin"      env:"CORS_ORIGIN"             env-default:"*"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"60s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig selects the ledger backend. An empty URL runs the in-memory
// ledger.
type DatabaseConfig struct {
	URL             string        `yaml:"url"               env:"DATABASE_URL"`
	MigrationsDir   string        `yaml:"migrations_dir"    env:"MIGRATIONS_DIR"             env-default:"./db/migrations"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"DATABASE_MAX_OPEN_CONNS"    env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"DATABASE_MAX_IDLE_CONNS"    env-default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"30m"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DATABASE_CONN_MAX_IDLE_TIME" env-default:"5m"`
}

type RedisConfig struct {
	URL string        `yaml:"url" env:"REDIS_URL"`
	TTL time.Duration `yaml:"ttl" env:"REDIS_CACHE_TTL" env-default:"10m"`
}

type MeiliConfig struct {
	URL       string `yaml:"url"        env:"MEILI_URL"`
	MasterKey string `yaml:"master_key" env:"MEILI_MASTER_KEY"`
	Index     string `yaml:"index"      env:"MEILI_INDEX" env-default:"documents"`
}

type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"   env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket"     env:"MINIO_BUCKET" env-default:"workshelf-archive"`
	UseSSL    bool   `yaml:"use_ssl"    env:"MINIO_USE_SSL" env-default:"false"`
}

type MirrorConfig struct {
	ReposDir string `yaml:"repos_dir" env:"GIT_MIRROR_DIR"`
}

type ExportConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"EXPORT_TIMEOUT" env-default:"30s"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY" env-default:"false"`
}

type VersioningConfig struct {
	// Transitions overrides the default mode graph, e.g.
	// "draft:review;review:draft,published;published:draft".
	Transitions     string        `yaml:"transitions"      env:"VERSIONING_TRANSITIONS"`
	ConflictRetries int           `yaml:"conflict_retries" env:"VERSIONING_CONFLICT_RETRIES" env-default:"3"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"    env:"VERSIONING_RETRY_BACKOFF"    env-default:"20ms"`
}

// Load reads CONFIG_PATH (or ./config.yaml when present) and then the
// environment. Environment values win over the file.
func Load() (Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return Config{}, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Versioning.ConflictRetries < 0 {
		return fmt.Errorf("versioning.conflict_retries must be >= 0 (got %d)", c.Versioning.ConflictRetries)
	}
	if _, err := c.Graph(); err != nil {
		return fmt.Errorf("versioning.transitions: %w", err)
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Graph returns the configured transition graph, or the default graph when
// no policy is set.
func (c Config) Graph() (mode.Graph, error) {
	if strings.TrimSpace(c.Versioning.Transitions) == "" {
		return mode.DefaultGraph(), nil
	}
	return mode.ParseGraph(c.Versioning.Transitions)
}
