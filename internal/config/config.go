// Package config loads formscan configuration from the environment, an
// optional .env file and an optional YAML defaults file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the formscan service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Crawler  CrawlerConfig  `yaml:"crawler"`
	Iframe   IframeConfig   `yaml:"iframe"`
	Analysis AnalysisConfig `yaml:"analysis"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"FORMSCAN_SERVER_HOST,default=0.0.0.0"`
	Port int    `yaml:"port" env:"FORMSCAN_SERVER_PORT,default=8501"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"FORMSCAN_DB_DRIVER"`
	DSN             string `yaml:"dsn" env:"FORMSCAN_DB_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"FORMSCAN_DB_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"FORMSCAN_DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"FORMSCAN_DB_CONN_MAX_LIFETIME,default=300"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"FORMSCAN_REDIS_ADDR"`
	Password string `yaml:"password" env:"FORMSCAN_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"FORMSCAN_REDIS_DB,default=0"`
	// PageTTL bounds how long fetched pages stay cached.
	PageTTL time.Duration `yaml:"page_ttl" env:"FORMSCAN_REDIS_PAGE_TTL,default=15m"`
}

type CrawlerConfig struct {
	MaxWorkers     int           `yaml:"max_workers" env:"FORMSCAN_CRAWLER_MAX_WORKERS,default=10"`
	Timeout        time.Duration `yaml:"timeout" env:"FORMSCAN_CRAWLER_TIMEOUT,default=5s"`
	ChunkSize      int           `yaml:"chunk_size" env:"FORMSCAN_CRAWLER_CHUNK_SIZE,default=50"`
	UserAgent      string        `yaml:"user_agent" env:"FORMSCAN_CRAWLER_USER_AGENT,default=Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"`
	HostRPS        int           `yaml:"host_rps" env:"FORMSCAN_CRAWLER_HOST_RPS,default=8"`
	HostBurst      int           `yaml:"host_burst" env:"FORMSCAN_CRAWLER_HOST_BURST,default=4"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"FORMSCAN_CRAWLER_MAX_BODY_BYTES,default=8388608"`
	SitemapDepth   int           `yaml:"sitemap_depth" env:"FORMSCAN_CRAWLER_SITEMAP_DEPTH,default=2"`
	ScanPollPeriod time.Duration `yaml:"scan_poll_period" env:"FORMSCAN_SCAN_POLL_PERIOD,default=2s"`
}

type IframeConfig struct {
	SrcPrefix            string `yaml:"src_prefix" env:"FORMSCAN_IFRAME_SRC_PREFIX,default=https://ovh.slgnt.eu/optiext/"`
	BadIntegrationMarker string `yaml:"bad_integration_marker" env:"FORMSCAN_IFRAME_BAD_MARKER,default=survey.dll"`
}

type AnalysisConfig struct {
	TemplateMappingPath string `yaml:"template_mapping_path" env:"FORMSCAN_TEMPLATE_MAPPING,default=data/template_mapping.json"`
	// MaxDatasetBytes caps uploaded mapping files, MaxDatasetRows caps rows
	// retained from a single upload.
	MaxDatasetBytes int64 `yaml:"max_dataset_bytes" env:"FORMSCAN_ANALYSIS_MAX_DATASET_BYTES,default=10485760"`
	MaxDatasetRows  int   `yaml:"max_dataset_rows" env:"FORMSCAN_ANALYSIS_MAX_DATASET_ROWS,default=100000"`
}

type APIConfig struct {
	CORSOrigins  []string `yaml:"cors_origins" env:"FORMSCAN_API_CORS_ORIGINS,default=*"`
	RateLimitRPS int      `yaml:"rate_limit_rps" env:"FORMSCAN_API_RATE_LIMIT_RPS,default=25"`
	RateBurst    int      `yaml:"rate_burst" env:"FORMSCAN_API_RATE_BURST,default=50"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"FORMSCAN_LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"FORMSCAN_LOG_FORMAT,default=console"`
	Output     string `yaml:"output" env:"FORMSCAN_LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"file_prefix" env:"FORMSCAN_LOG_FILE_PREFIX,default=formscan"`
}

// Load reads configuration. Order of precedence: environment variables,
// values from an optional .env file (not overriding already-set env), then
// YAML defaults from FORMSCAN_CONFIG_FILE or config/formscan.yaml if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := configFilePath(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyYAMLDefaults(cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("FORMSCAN_CONFIG_FILE"); path != "" {
		return path
	}
	if _, err := os.Stat("config/formscan.yaml"); err == nil {
		return "config/formscan.yaml"
	}
	return ""
}

// applyYAMLDefaults promotes YAML values into the environment so envdecode
// keeps env-var precedence while still seeing file-provided values. Every
// field with an env tag is covered; a key set in the file but never promoted
// would be silently replaced by the tag default.
func applyYAMLDefaults(cfg *Config) {
	setString := func(key, value string) {
		if value != "" && os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	setInt := func(key string, value int) {
		if value != 0 {
			setString(key, strconv.Itoa(value))
		}
	}
	setInt64 := func(key string, value int64) {
		if value != 0 {
			setString(key, strconv.FormatInt(value, 10))
		}
	}
	setDuration := func(key string, value time.Duration) {
		if value != 0 {
			setString(key, value.String())
		}
	}

	setString("FORMSCAN_SERVER_HOST", cfg.Server.Host)
	setInt("FORMSCAN_SERVER_PORT", cfg.Server.Port)

	setString("FORMSCAN_DB_DRIVER", cfg.Database.Driver)
	setString("FORMSCAN_DB_DSN", cfg.Database.DSN)
	setInt("FORMSCAN_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	setInt("FORMSCAN_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	setInt("FORMSCAN_DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	setString("FORMSCAN_REDIS_ADDR", cfg.Redis.Addr)
	setString("FORMSCAN_REDIS_PASSWORD", cfg.Redis.Password)
	setInt("FORMSCAN_REDIS_DB", cfg.Redis.DB)
	setDuration("FORMSCAN_REDIS_PAGE_TTL", cfg.Redis.PageTTL)

	setInt("FORMSCAN_CRAWLER_MAX_WORKERS", cfg.Crawler.MaxWorkers)
	setDuration("FORMSCAN_CRAWLER_TIMEOUT", cfg.Crawler.Timeout)
	setInt("FORMSCAN_CRAWLER_CHUNK_SIZE", cfg.Crawler.ChunkSize)
	setString("FORMSCAN_CRAWLER_USER_AGENT", cfg.Crawler.UserAgent)
	setInt("FORMSCAN_CRAWLER_HOST_RPS", cfg.Crawler.HostRPS)
	setInt("FORMSCAN_CRAWLER_HOST_BURST", cfg.Crawler.HostBurst)
	setInt64("FORMSCAN_CRAWLER_MAX_BODY_BYTES", cfg.Crawler.MaxBodyBytes)
	setInt("FORMSCAN_CRAWLER_SITEMAP_DEPTH", cfg.Crawler.SitemapDepth)
	setDuration("FORMSCAN_SCAN_POLL_PERIOD", cfg.Crawler.ScanPollPeriod)

	setString("FORMSCAN_IFRAME_SRC_PREFIX", cfg.Iframe.SrcPrefix)
	setString("FORMSCAN_IFRAME_BAD_MARKER", cfg.Iframe.BadIntegrationMarker)

	setString("FORMSCAN_TEMPLATE_MAPPING", cfg.Analysis.TemplateMappingPath)
	setInt64("FORMSCAN_ANALYSIS_MAX_DATASET_BYTES", cfg.Analysis.MaxDatasetBytes)
	setInt("FORMSCAN_ANALYSIS_MAX_DATASET_ROWS", cfg.Analysis.MaxDatasetRows)

	setString("FORMSCAN_API_CORS_ORIGINS", strings.Join(cfg.API.CORSOrigins, ";"))
	setInt("FORMSCAN_API_RATE_LIMIT_RPS", cfg.API.RateLimitRPS)
	setInt("FORMSCAN_API_RATE_BURST", cfg.API.RateBurst)

	setString("FORMSCAN_LOG_LEVEL", cfg.Logging.Level)
	setString("FORMSCAN_LOG_FORMAT", cfg.Logging.Format)
	setString("FORMSCAN_LOG_OUTPUT", cfg.Logging.Output)
	setString("FORMSCAN_LOG_FILE_PREFIX", cfg.Logging.FilePrefix)
}

// Validate checks bounds that would otherwise surface as confusing runtime
// behavior.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Crawler.MaxWorkers < 1 || c.Crawler.MaxWorkers > 100 {
		return fmt.Errorf("crawler max workers %d out of range [1,100]", c.Crawler.MaxWorkers)
	}
	if c.Crawler.ChunkSize < 1 || c.Crawler.ChunkSize > 1000 {
		return fmt.Errorf("crawler chunk size %d out of range [1,1000]", c.Crawler.ChunkSize)
	}
	if c.Crawler.Timeout < time.Second || c.Crawler.Timeout > time.Minute {
		return fmt.Errorf("crawler timeout %s out of range [1s,1m]", c.Crawler.Timeout)
	}
	if c.Crawler.SitemapDepth < 0 || c.Crawler.SitemapDepth > 5 {
		return fmt.Errorf("sitemap depth %d out of range [0,5]", c.Crawler.SitemapDepth)
	}
	if c.Iframe.SrcPrefix == "" {
		return fmt.Errorf("iframe src prefix is required")
	}
	return nil
}
