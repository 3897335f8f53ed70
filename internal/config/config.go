// Package config loads service configuration from an optional YAML file,
// a .env file and APPROVALS_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
)

const envPrefix = "APPROVALS"

type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Identity IdentityConfig `mapstructure:"identity"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MaxConnTime    time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	HealthCheck    time.Duration `mapstructure:"health_check"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start"`
}

// Postgres converts the section into pgxpool settings.
func (c DatabaseConfig) Postgres() database.Config {
	return database.Config{
		Host:        c.Host,
		Port:        c.Port,
		User:        c.User,
		Password:    c.Password,
		Database:    c.Database,
		SSLMode:     c.SSLMode,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		MaxConnTime: c.MaxConnTime,
		MaxIdleTime: c.MaxIdleTime,
		HealthCheck: c.HealthCheck,
	}
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// SkipAuth trusts X-User-ID / X-Organization-ID headers. Development only.
	SkipAuth bool `mapstructure:"skip_auth"`
}

type IdentityConfig struct {
	Mode          string `mapstructure:"mode"`
	GRPCAddr      string `mapstructure:"grpc_addr"`
	DirectoryFile string `mapstructure:"directory_file"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in ./configs and the working directory and is optional.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-plt-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.skip_auth", false)

	v.SetDefault("identity.mode", "grpc")
	v.SetDefault("identity.grpc_addr", "localhost:9081")
	v.SetDefault("identity.directory_file", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "NOTIFICATIONS_APPROVALS")
	v.SetDefault("nats.subject_prefix", "notifications.approvals")

	v.SetDefault("log.level", "info")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Identity.Mode {
	case "grpc":
		if c.Identity.GRPCAddr == "" {
			return errors.New("identity.grpc_addr is required in grpc mode")
		}
	case "static":
		if c.Identity.DirectoryFile == "" {
			return errors.New("identity.directory_file is required in static mode")
		}
	default:
		return fmt.Errorf("identity.mode must be grpc or static, got %q", c.Identity.Mode)
	}
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required unless auth.skip_auth is set")
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return errors.New("server.port and server.grpc_port must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}
