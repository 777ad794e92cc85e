package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// FileName is the configuration file looked up when no path is given
const FileName = "cascade.yaml"

// Config represents the cascade configuration
type Config struct {
	// Service is the micro-service whose tables are resolved
	Service string `mapstructure:"service"`
	// Naming is the table naming strategy: snake, plural or upper
	Naming string `mapstructure:"naming"`
	// Schema is the YAML type catalog
	Schema string `mapstructure:"schema"`
	// Registry is the entity list; empty registers every catalog entity
	Registry string         `mapstructure:"registry"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Hooks    HooksConfig    `mapstructure:"hooks"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig represents the change sink server
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Secret signs access tokens. Without one the server accepts
	// unauthenticated requests.
	Secret          string        `mapstructure:"secret"`
	Issuer          string        `mapstructure:"issuer"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// RedisConfig represents the invalidation cache connection
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// HooksConfig configures the hooks every save runs
type HooksConfig struct {
	// Audit logs every inserted or updated row after the commit
	Audit     bool `mapstructure:"audit"`
	Workers   int  `mapstructure:"workers"`
	QueueSize int  `mapstructure:"queue_size"`
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads the configuration from path, or from cascade.yaml in the project
// root when path is empty. Every key can be overridden by a CASCADE_
// environment variable, e.g. CASCADE_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("service", "")
	v.SetDefault("naming", "snake")
	v.SetDefault("schema", "schema.yaml")
	v.SetDefault("registry", "")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "cascade:")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.issuer", "cascade")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("hooks.audit", false)
	v.SetDefault("hooks.workers", 2)
	v.SetDefault("hooks.queue_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if root, err := ProjectRoot(); err == nil {
			v.AddConfigPath(root)
		}
	}

	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// relative files are taken from the directory of the config file
	if used := v.ConfigFileUsed(); used != "" {
		dir := filepath.Dir(used)
		cfg.Schema = resolve(dir, cfg.Schema)
		cfg.Registry = resolve(dir, cfg.Registry)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// ProjectRoot walks up from the working directory to the first directory
// holding cascade.yaml
func ProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found", FileName)
		}
		dir = parent
	}
}

// NamingStrategy returns the configured naming strategy
func (c *Config) NamingStrategy() meta.NamingStrategy {
	s, err := meta.ParseNamingStrategy(c.Naming)
	if err != nil {
		// validated by Load
		return meta.DefaultNaming
	}
	return s
}

func validateConfig(cfg *Config) error {
	if _, err := meta.ParseNamingStrategy(cfg.Naming); err != nil {
		return fmt.Errorf("naming: %w", err)
	}
	if _, err := dialect.ForDriver(cfg.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes: must be positive")
	}
	if cfg.Hooks.Audit && (cfg.Hooks.Workers <= 0 || cfg.Hooks.QueueSize <= 0) {
		return errors.New("hooks: workers and queue_size must be positive")
	}
	if cfg.Server.TokenTTL < 0 {
		return errors.New("server.token_ttl: must not be negative")
	}
	return nil
}

// NewLogger builds the process logger: JSON production output by default,
// console output in development mode
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
