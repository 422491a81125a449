package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration.
//
// Precedence: command-line flags > YAML config file > environment (.env included) > defaults.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selects the message backend. Empty picks the first configured of
	// postgres, mongo, redis, falling back to memory.
	Store string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURI      string
	MongoDatabase string

	RedisURL       string
	RedisKeyPrefix string

	RetentionEnabled  bool
	RetentionWindow   time.Duration
	RetentionSchedule string

	// If true, the websocket handshake requires the userId to exist in the user directory
	// (Postgres users table or the Mongo account collections).
	RequireKnownUser bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PROPCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PROPCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("PROPCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PROPCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PROPCHAT_HTTP_READ_TIMEOUT", 0),
		WriteTimeout:      EnvDuration("PROPCHAT_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:       EnvDuration("PROPCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PROPCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store: EnvString("PROPCHAT_STORE", ""),

		DatabaseURL: EnvString("PROPCHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("PROPCHAT_DB_SCHEMA", "propchat"),
		DBMaxConns:  EnvInt32("PROPCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PROPCHAT_DB_MIN_CONNS", 0),

		MongoURI:      EnvString("PROPCHAT_MONGO_URI", ""),
		MongoDatabase: EnvString("PROPCHAT_MONGO_DATABASE", "propchat"),

		RedisURL:       EnvString("PROPCHAT_REDIS_URL", ""),
		RedisKeyPrefix: EnvString("PROPCHAT_REDIS_KEY_PREFIX", "propchat:"),

		RetentionEnabled:  EnvBool("PROPCHAT_RETENTION_ENABLED", true),
		RetentionWindow:   EnvDuration("PROPCHAT_RETENTION_WINDOW", 72*time.Hour),
		RetentionSchedule: EnvString("PROPCHAT_RETENTION_SCHEDULE", "@daily"),

		RequireKnownUser: EnvBool("PROPCHAT_REQUIRE_KNOWN_USER", false),

		CORSAllowedOrigins:   EnvCSV("PROPCHAT_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("PROPCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PROPCHAT_CORS_MAX_AGE_SECONDS", 600),
	}
}

// fileConfig mirrors the YAML config file. Unset keys leave the env-derived value alone.
type fileConfig struct {
	HTTP struct {
		Addr              string        `yaml:"addr"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Store string `yaml:"store"`

	Postgres struct {
		URL      string `yaml:"url"`
		Schema   string `yaml:"schema"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	Redis struct {
		URL       string `yaml:"url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Retention struct {
		Enabled  *bool         `yaml:"enabled"`
		Window   time.Duration `yaml:"window"`
		Schedule string        `yaml:"schedule"`
	} `yaml:"retention"`

	RequireKnownUser *bool `yaml:"require_known_user"`

	CORS struct {
		AllowedOrigins   []string `yaml:"allowed_origins"`
		AllowCredentials *bool    `yaml:"allow_credentials"`
		MaxAgeSeconds    int      `yaml:"max_age_seconds"`
	} `yaml:"cors"`
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.HTTPAddr, fc.HTTP.Addr)
	setDuration(&cfg.ReadHeaderTimeout, fc.HTTP.ReadHeaderTimeout)
	setDuration(&cfg.ReadTimeout, fc.HTTP.ReadTimeout)
	setDuration(&cfg.WriteTimeout, fc.HTTP.WriteTimeout)
	setDuration(&cfg.IdleTimeout, fc.HTTP.IdleTimeout)

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.Store, fc.Store)

	setString(&cfg.DatabaseURL, fc.Postgres.URL)
	setString(&cfg.DBSchema, fc.Postgres.Schema)
	if fc.Postgres.MaxConns > 0 {
		cfg.DBMaxConns = fc.Postgres.MaxConns
	}
	if fc.Postgres.MinConns > 0 {
		cfg.DBMinConns = fc.Postgres.MinConns
	}

	setString(&cfg.MongoURI, fc.Mongo.URI)
	setString(&cfg.MongoDatabase, fc.Mongo.Database)

	setString(&cfg.RedisURL, fc.Redis.URL)
	setString(&cfg.RedisKeyPrefix, fc.Redis.KeyPrefix)

	if fc.Retention.Enabled != nil {
		cfg.RetentionEnabled = *fc.Retention.Enabled
	}
	setDuration(&cfg.RetentionWindow, fc.Retention.Window)
	setString(&cfg.RetentionSchedule, fc.Retention.Schedule)

	if fc.RequireKnownUser != nil {
		cfg.RequireKnownUser = *fc.RequireKnownUser
	}

	if len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	}
	if fc.CORS.AllowCredentials != nil {
		cfg.CORSAllowCredentials = *fc.CORS.AllowCredentials
	}
	if fc.CORS.MaxAgeSeconds > 0 {
		cfg.CORSMaxAgeSeconds = fc.CORS.MaxAgeSeconds
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// StoreKind returns the effective store kind (see Config.Store).
func (c Config) StoreKind() string {
	if s := strings.ToLower(strings.TrimSpace(c.Store)); s != "" {
		return s
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.MongoURI != "":
		return StoreMongo
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

// Validate checks cross-field consistency before any connection is opened.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: empty http addr")
	}

	switch c.StoreKind() {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: store=postgres requires PROPCHAT_DATABASE_URL")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return errors.New("config: store=mongo requires PROPCHAT_MONGO_URI")
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			return errors.New("config: store=mongo requires PROPCHAT_MONGO_DATABASE")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: store=redis requires PROPCHAT_REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown store %q (want memory, postgres, mongo or redis)", c.Store)
	}

	if c.RequireKnownUser && c.DatabaseURL == "" && c.MongoURI == "" {
		return errors.New("config: require_known_user needs a user directory (PROPCHAT_DATABASE_URL or PROPCHAT_MONGO_URI)")
	}

	if c.RetentionEnabled && c.RetentionWindow <= 0 {
		return errors.New("config: retention window must be positive")
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q (want json or pretty)", c.LogFormat)
	}
	return nil
}
