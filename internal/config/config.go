package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/fema-etl/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	ETL       ETLConfig       `yaml:"etl" mapstructure:"etl"`
	Aggregate AggregateConfig `yaml:"aggregate" mapstructure:"aggregate"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig holds warehouse connection parameters.
type DatabaseConfig struct {
	URL              string `yaml:"url" mapstructure:"url"`
	Host             string `yaml:"host" mapstructure:"host"`
	Port             int    `yaml:"port" mapstructure:"port"`
	Name             string `yaml:"name" mapstructure:"name"`
	User             string `yaml:"user" mapstructure:"user"`
	Password         string `yaml:"password" mapstructure:"password"`
	SSLMode          string `yaml:"sslmode" mapstructure:"sslmode"`
	ConnectAttempts  int    `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	ConnectBackoffMs int    `yaml:"connect_backoff_ms" mapstructure:"connect_backoff_ms"`
}

// APIConfig configures the OpenFEMA client.
type APIConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ETLConfig configures pagination and the run ledger.
type ETLConfig struct {
	ProcessName      string   `yaml:"process_name" mapstructure:"process_name"`
	PageSize         int      `yaml:"page_size" mapstructure:"page_size"`
	StartOffset      int      `yaml:"start_offset" mapstructure:"start_offset"`
	MaxRecords       int      `yaml:"max_records" mapstructure:"max_records"`
	CooldownMs       int      `yaml:"cooldown_ms" mapstructure:"cooldown_ms"`
	ShortPageIsFinal bool     `yaml:"short_page_is_final" mapstructure:"short_page_is_final"`
	FailOnFetchError bool     `yaml:"fail_on_fetch_error" mapstructure:"fail_on_fetch_error"`
	Datasets         []string `yaml:"datasets" mapstructure:"datasets"`
}

// AggregateConfig holds the project-size thresholds used by derived tables.
type AggregateConfig struct {
	SmallThreshold float64 `yaml:"small_threshold" mapstructure:"small_threshold"`
	LargeThreshold float64 `yaml:"large_threshold" mapstructure:"large_threshold"`
}

// MetricsConfig configures the Prometheus Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
	Job            string `yaml:"job" mapstructure:"job"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`

	// CORSOrigins enables CORS on the status routes for these origins.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DSN returns the connection string. An explicit URL wins over the parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// ConnectRetry returns the bounded doubling backoff used when acquiring connections.
func (d DatabaseConfig) ConnectRetry() resilience.RetryConfig {
	cfg := resilience.Doubling(d.ConnectAttempts, time.Duration(d.ConnectBackoffMs)*time.Millisecond)
	cfg.ShouldRetry = resilience.IsRetryableConnect
	cfg.OnRetry = resilience.RetryLogger("postgres", "connect")
	return cfg
}

// Timeout returns the per-request HTTP timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// Cooldown returns the pause between page fetches.
func (e ETLConfig) Cooldown() time.Duration {
	return time.Duration(e.CooldownMs) * time.Millisecond
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ETL.ProcessName == "" {
		return eris.New("config: etl.process_name must not be empty")
	}
	if c.ETL.PageSize <= 0 {
		return eris.Errorf("config: etl.page_size must be positive, got %d", c.ETL.PageSize)
	}
	if c.ETL.StartOffset < 0 {
		return eris.Errorf("config: etl.start_offset must not be negative, got %d", c.ETL.StartOffset)
	}
	if c.Aggregate.SmallThreshold >= c.Aggregate.LargeThreshold {
		return eris.Errorf("config: aggregate.small_threshold (%v) must be below large_threshold (%v)",
			c.Aggregate.SmallThreshold, c.Aggregate.LargeThreshold)
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FEMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The container images set the stock postgres variables.
	legacy := map[string]string{
		"database.host":     "POSTGRES_HOST",
		"database.port":     "POSTGRES_PORT",
		"database.name":     "POSTGRES_DB",
		"database.user":     "POSTGRES_USER",
		"database.password": "POSTGRES_PASSWORD",
	}
	for key, env := range legacy {
		prefixed := "FEMA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", env)
		}
	}

	// Defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.connect_backoff_ms", 1000)
	v.SetDefault("api.base_url", "https://www.fema.gov/api/open/v2")
	v.SetDefault("api.timeout_secs", 30)
	v.SetDefault("api.max_attempts", 3)
	v.SetDefault("api.user_agent", "fema-etl/1.0")
	v.SetDefault("etl.process_name", "public_assistance_etl")
	v.SetDefault("etl.page_size", 1000)
	v.SetDefault("etl.start_offset", 0)
	v.SetDefault("etl.max_records", 1000000)
	v.SetDefault("etl.cooldown_ms", 1000)
	v.SetDefault("etl.short_page_is_final", true)
	v.SetDefault("etl.fail_on_fetch_error", false)
	v.SetDefault("etl.datasets", []string{"declarations", "public_assistance"})
	v.SetDefault("aggregate.small_threshold", 10000.0)
	v.SetDefault("aggregate.large_threshold", 100000.0)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "fema_etl")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
