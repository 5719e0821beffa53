package config

import (
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/sophia-stack/orchestrator/internal/pool"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type BreakerConfig struct {
	ErrorThreshold           int           `mapstructure:"error_threshold"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	ErrorPercentageThreshold float64       `mapstructure:"error_percentage_threshold"`
	RollingWindowSize        time.Duration `mapstructure:"rolling_window_size"`
}

type PoolConfig struct {
	MaxConcurrent int  `mapstructure:"max_concurrent"`
	UseBreakers   bool `mapstructure:"use_breakers"`
}

type GatewayConfig struct {
	AuthToken     string              `mapstructure:"auth_token"`
	RestrictPaths bool                `mapstructure:"restrict_paths"`
	AllowedPaths  map[string][]string `mapstructure:"allowed_paths"`
}

// ServiceEntry is one managed backend: its reachability config plus the
// dependency edges and tags the registry needs.
type ServiceEntry struct {
	pool.ServerConfig `mapstructure:",squash"`

	Type         string   `mapstructure:"type"`
	Dependencies []string `mapstructure:"dependencies"`
	Tags         []string `mapstructure:"tags"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Services []ServiceEntry `mapstructure:"services"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", ":8090")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.shutdown_timeout", "5s")
	viper.SetDefault("logging.level", LogLevelInfo)
	viper.SetDefault("breaker.error_threshold", 5)
	viper.SetDefault("breaker.volume_threshold", 10)
	viper.SetDefault("breaker.timeout", "10s")
	viper.SetDefault("breaker.reset_timeout", "30s")
	viper.SetDefault("breaker.error_percentage_threshold", 50.0)
	viper.SetDefault("breaker.rolling_window_size", "60s")
	viper.SetDefault("pool.max_concurrent", 32)
	viper.SetDefault("pool.use_breakers", true)
	viper.SetDefault("gateway.restrict_paths", false)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Error("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Breaker,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.ErrorThreshold, validation.Min(1)),
					validation.Field(&bc.VolumeThreshold, validation.Min(1)),
					validation.Field(&bc.ErrorPercentageThreshold, validation.Min(0.0), validation.Max(100.0)),
				)
			}),
		),
		validation.Field(&c.Pool,
			validation.By(func(value interface{}) error {
				pc, ok := value.(PoolConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a PoolConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.MaxConcurrent, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Services,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateServiceEntry)),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateServiceEntry(value interface{}) error {
	entry, ok := value.(ServiceEntry)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ServiceEntry")
	}

	if entry.ID == "" {
		return validation.NewError("validation_empty_id", "service id cannot be empty")
	}

	if entry.Protocol != "http" && entry.Protocol != "https" {
		return validation.NewError("validation_invalid_scheme", "protocol must be http or https")
	}

	if entry.Host == "" {
		return validation.NewError("validation_missing_host", "service host cannot be empty")
	}
	if err := is.Host.Validate(entry.Host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid service host")
	}

	if entry.Port < 1 || entry.Port > 65535 {
		return validation.NewError("validation_invalid_port", "port must be between 1 and 65535")
	}

	if entry.PoolSize < 0 {
		return validation.NewError("validation_invalid_pool_size", "pool size cannot be negative")
	}

	for _, dep := range entry.Dependencies {
		if dep == entry.ID {
			return validation.NewError("validation_self_dependency", "service cannot depend on itself")
		}
	}

	return nil
}
