package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spendguard/internal/logging"
)

// Storage backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Provider kinds.
const (
	ProviderDryRun = "dryrun"
	ProviderHTTP   = "http"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Intents  IntentsConfig  `mapstructure:"intents"`
	Provider ProviderConfig `mapstructure:"provider"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	API      APIConfig      `mapstructure:"api"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend   string         `mapstructure:"backend"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Database  DatabaseConfig `mapstructure:"database"`
}

// RedisConfig covers the distributed backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockLease   time.Duration `mapstructure:"lock_lease"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// KernelConfig tunes guard evaluation.
type KernelConfig struct {
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// IntentsConfig governs payment intent lifetimes.
type IntentsConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ProviderConfig selects the transfer and balance collaborators.
type ProviderConfig struct {
	Kind string             `mapstructure:"kind"`
	HTTP HTTPProviderConfig `mapstructure:"http"`
	EVM  EVMConfig          `mapstructure:"evm"`
}

// HTTPProviderConfig captures custody REST API connectivity.
type HTTPProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	TokenID        string        `mapstructure:"token_id"`
	FeeLevel       string        `mapstructure:"fee_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EVMConfig covers on-chain balance lookups.
type EVMConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	TokenAddress   string        `mapstructure:"token_address"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Addresses maps wallet ids to on-chain addresses.
	Addresses map[string]string `mapstructure:"addresses"`
}

// AlertingConfig defines denial alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spendguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spendguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.key_prefix", "spendguard:")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.lock_lease", "30s")
	v.SetDefault("storage.database.max_open_conns", 10)
	v.SetDefault("storage.database.max_idle_conns", 2)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")
	v.SetDefault("storage.database.auto_migrate", true)

	v.SetDefault("kernel.lock_timeout", "5s")
	v.SetDefault("kernel.confirm_timeout", "10s")

	v.SetDefault("intents.default_ttl", "15m")
	v.SetDefault("intents.max_ttl", "24h")
	v.SetDefault("intents.retention", "168h")
	v.SetDefault("intents.sweep_interval", "1m")

	v.SetDefault("provider.kind", ProviderDryRun)
	v.SetDefault("provider.http.base_url", "https://api.circle.com/v1/w3s")
	v.SetDefault("provider.http.fee_level", "MEDIUM")
	v.SetDefault("provider.http.request_timeout", "30s")
	v.SetDefault("provider.http.user_agent", "spendguard/1.0")
	v.SetDefault("provider.evm.token_decimals", 6)
	v.SetDefault("provider.evm.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "60s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr must be set for the redis backend")
		}
		if c.Storage.Redis.LockLease <= 0 {
			return fmt.Errorf("storage.redis.lock_lease must be greater than zero")
		}
		if c.Kernel.ConfirmTimeout >= c.Storage.Redis.LockLease {
			return fmt.Errorf("kernel.confirm_timeout must be shorter than storage.redis.lock_lease")
		}
	case BackendPostgres:
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, redis, postgres", c.Storage.Backend)
	}

	if c.Kernel.LockTimeout <= 0 {
		return fmt.Errorf("kernel.lock_timeout must be greater than zero")
	}
	if c.Kernel.ConfirmTimeout <= 0 {
		return fmt.Errorf("kernel.confirm_timeout must be greater than zero")
	}
	if c.Intents.DefaultTTL <= 0 {
		return fmt.Errorf("intents.default_ttl must be greater than zero")
	}
	if c.Intents.MaxTTL < c.Intents.DefaultTTL {
		return fmt.Errorf("intents.max_ttl cannot be shorter than intents.default_ttl")
	}
	if c.Intents.Retention < 0 {
		return fmt.Errorf("intents.retention cannot be negative")
	}
	if c.Intents.SweepInterval <= 0 {
		return fmt.Errorf("intents.sweep_interval must be greater than zero")
	}

	switch c.Provider.Kind {
	case ProviderDryRun:
	case ProviderHTTP:
		if c.Provider.HTTP.BaseURL == "" {
			return fmt.Errorf("provider.http.base_url must be set for the http provider")
		}
		if c.Provider.HTTP.APIKey == "" {
			return fmt.Errorf("provider.http.api_key must be set for the http provider")
		}
	default:
		return fmt.Errorf("provider.kind %q is not one of dryrun, http", c.Provider.Kind)
	}
	if c.Provider.EVM.RPCURL != "" && c.Provider.EVM.TokenAddress == "" {
		return fmt.Errorf("provider.evm.token_address must be set when provider.evm.rpc_url is configured")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveIntentTTL clamps a requested intent lifetime to the configured bounds.
func (c *Config) ResolveIntentTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.Intents.DefaultTTL
	}
	if requested > c.Intents.MaxTTL {
		return c.Intents.MaxTTL
	}
	return requested
}
