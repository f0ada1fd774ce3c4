package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Spider  SpiderConfig  `yaml:"spider" mapstructure:"spider"`
	Crawl   CrawlConfig   `yaml:"crawl" mapstructure:"crawl"`
	Harvest HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Seed    SeedConfig    `yaml:"seed" mapstructure:"seed"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	// Connection retry tuning. Serverless Postgres can refuse the first
	// attempt while it spins up.
	ConnectAttempts  int `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	ConnectBackoffMs int `yaml:"connect_backoff_ms" mapstructure:"connect_backoff_ms"`
}

// SpiderConfig holds Spider crawl API settings.
type SpiderConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	PageLimit    int    `yaml:"page_limit" mapstructure:"page_limit"`
	ProxyEnabled bool   `yaml:"proxy_enabled" mapstructure:"proxy_enabled"`
	RequestMode  string `yaml:"request_mode" mapstructure:"request_mode"`
	// Circuit breaker tuning for the paid API.
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// CrawlConfig configures the local crawler.
type CrawlConfig struct {
	MaxPages     int      `yaml:"max_pages" mapstructure:"max_pages"`
	MaxDepth     int      `yaml:"max_depth" mapstructure:"max_depth"`
	TimeoutSecs  int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerHost  float64  `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	ExcludePaths []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
}

// HarvestConfig configures the queue-processing engine.
type HarvestConfig struct {
	SiteLimit      int  `yaml:"site_limit" mapstructure:"site_limit"`
	Concurrency    int  `yaml:"concurrency" mapstructure:"concurrency"`
	RetryLimit     int  `yaml:"retry_limit" mapstructure:"retry_limit"`
	MaxDocSize     int  `yaml:"max_doc_size" mapstructure:"max_doc_size"`
	UpdateExisting bool `yaml:"update_existing" mapstructure:"update_existing"`
}

// SeedConfig configures directory-file imports.
type SeedConfig struct {
	UnitIDColumn  string `yaml:"unit_id_column" mapstructure:"unit_id_column"`
	WebAddrColumn string `yaml:"web_addr_column" mapstructure:"web_addr_column"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCRAPECLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.connect_attempts", 3)
	v.SetDefault("store.connect_backoff_ms", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("spider.base_url", "https://api.spider.cloud")
	v.SetDefault("spider.page_limit", 500)
	v.SetDefault("spider.proxy_enabled", true)
	v.SetDefault("spider.request_mode", "smart")
	v.SetDefault("spider.circuit_threshold", 5)
	v.SetDefault("spider.circuit_reset_secs", 60)
	v.SetDefault("crawl.max_pages", 500)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.timeout_secs", 15)
	v.SetDefault("crawl.rate_per_host", 4.0)
	v.SetDefault("crawl.exclude_paths", []string{
		"/calendar/*", "/events/*", "/news/*", "/login/*", "/search/*",
	})
	v.SetDefault("harvest.site_limit", 200)
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.retry_limit", 3)
	v.SetDefault("harvest.max_doc_size", 1024*1024)
	v.SetDefault("harvest.update_existing", false)
	v.SetDefault("seed.unit_id_column", "UNITID")
	v.SetDefault("seed.web_addr_column", "WEBADDR")

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
