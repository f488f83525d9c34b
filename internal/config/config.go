package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig   `mapstructure:"server"`
	Database     DatabaseConfig `mapstructure:"database"`
	PubSub       PubSubConfig   `mapstructure:"pubsub"`
	Registry     RegistryConfig `mapstructure:"registry"`
	Auth         AuthConfig     `mapstructure:"auth"`
	Log          LogConfig      `mapstructure:"log"`
	ModelsDir    string         `mapstructure:"models_dir"`
	DefaultLimit int            `mapstructure:"default_limit" validate:"gte=1"`
	MaxLimit     int            `mapstructure:"max_limit" validate:"gtefield=DefaultLimit"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	BasePath string `mapstructure:"base_path"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files, ":memory:" for an in-memory db
}

type PubSubConfig struct {
	Driver       string        `mapstructure:"driver" validate:"oneof=memory redis nats kafka"`
	Address      string        `mapstructure:"address"`
	Channel      string        `mapstructure:"channel" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RegistryConfig struct {
	Quiescence time.Duration `mapstructure:"quiescence"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		if d.Path == ":memory:" {
			return fmt.Sprintf("file:%s?mode=memory&cache=shared", d.Name)
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// FlagKeys maps command line flag names to config keys.
var FlagKeys = map[string]string{
	"port":          "server.port",
	"base-path":     "server.base_path",
	"db-driver":     "database.driver",
	"db-name":       "database.name",
	"db-path":       "database.path",
	"pubsub-driver": "pubsub.driver",
	"log-level":     "log.level",
	"models":        "models_dir",
}

// Load reads app.yaml (if present), applies defaults and environment
// overrides, and validates the result.
func Load(file string) (*Config, error) {
	return LoadFlags(file, nil)
}

// LoadFlags is Load with the flags of FlagKeys taking precedence over the
// file and environment when they were set.
func LoadFlags(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if key, ok := FlagKeys[f.Name]; ok && bindErr == nil {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	SetDefaults(v)

	v.SetEnvPrefix("crudforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "crudforge")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.channel", "crudforge.sockets")
	v.SetDefault("pubsub.read_timeout", time.Second)
	v.SetDefault("pubsub.write_timeout", 5*time.Second)
	v.SetDefault("registry.quiescence", 10*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("models_dir", "./models")
	v.SetDefault("default_limit", 25)
	v.SetDefault("max_limit", 100)
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
