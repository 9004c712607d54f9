package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Keep Load away from any config file in the working directory.
	t.Setenv("FORMSCAN_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}

	t.Setenv("FORMSCAN_CONFIG_FILE", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 8501 {
		t.Fatalf("expected default port 8501, got %d", cfg.Server.Port)
	}
	if cfg.Crawler.MaxWorkers != 10 {
		t.Fatalf("expected default workers 10, got %d", cfg.Crawler.MaxWorkers)
	}
	if cfg.Crawler.Timeout != 5*time.Second {
		t.Fatalf("expected default timeout 5s, got %s", cfg.Crawler.Timeout)
	}
	if cfg.Crawler.ChunkSize != 50 {
		t.Fatalf("expected default chunk size 50, got %d", cfg.Crawler.ChunkSize)
	}
	if cfg.Iframe.SrcPrefix != "https://ovh.slgnt.eu/optiext/" {
		t.Fatalf("unexpected iframe prefix %q", cfg.Iframe.SrcPrefix)
	}
	if cfg.Iframe.BadIntegrationMarker != "survey.dll" {
		t.Fatalf("unexpected bad integration marker %q", cfg.Iframe.BadIntegrationMarker)
	}
	if cfg.Analysis.MaxDatasetBytes != 10<<20 {
		t.Fatalf("unexpected dataset byte cap %d", cfg.Analysis.MaxDatasetBytes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FORMSCAN_SERVER_PORT", "9000")
	t.Setenv("FORMSCAN_CRAWLER_MAX_WORKERS", "3")
	t.Setenv("FORMSCAN_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Crawler.MaxWorkers != 3 {
		t.Fatalf("expected workers 3, got %d", cfg.Crawler.MaxWorkers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	// Registering each key with t.Setenv keeps the promotion Load performs
	// from leaking into other tests; an empty value counts as unset.
	for _, key := range []string{
		"FORMSCAN_SERVER_PORT",
		"FORMSCAN_DB_MAX_OPEN_CONNS",
		"FORMSCAN_REDIS_PAGE_TTL",
		"FORMSCAN_CRAWLER_MAX_WORKERS",
		"FORMSCAN_CRAWLER_TIMEOUT",
		"FORMSCAN_CRAWLER_CHUNK_SIZE",
		"FORMSCAN_API_CORS_ORIGINS",
		"FORMSCAN_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	path := filepath.Join(t.TempDir(), "formscan.yaml")
	body := `server:
  port: 9100
database:
  max_open_conns: 40
redis:
  page_ttl: 1h
crawler:
  max_workers: 20
  timeout: 10s
  chunk_size: 200
api:
  cors_origins:
    - https://a.example
    - https://b.example
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("FORMSCAN_CONFIG_FILE", path)
	t.Setenv("FORMSCAN_CRAWLER_CHUNK_SIZE", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Fatalf("expected port 9100 from the file, got %d", cfg.Server.Port)
	}
	if cfg.Database.MaxOpenConns != 40 {
		t.Fatalf("expected 40 open conns from the file, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Redis.PageTTL != time.Hour {
		t.Fatalf("expected 1h page ttl from the file, got %s", cfg.Redis.PageTTL)
	}
	if cfg.Crawler.MaxWorkers != 20 {
		t.Fatalf("expected 20 workers from the file, got %d", cfg.Crawler.MaxWorkers)
	}
	if cfg.Crawler.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout from the file, got %s", cfg.Crawler.Timeout)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected warn level from the file, got %q", cfg.Logging.Level)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[0] != "https://a.example" {
		t.Fatalf("unexpected cors origins %v", cfg.API.CORSOrigins)
	}
	// Environment still beats the file.
	if cfg.Crawler.ChunkSize != 75 {
		t.Fatalf("expected env chunk size 75 to win, got %d", cfg.Crawler.ChunkSize)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: 8501},
			Crawler: CrawlerConfig{MaxWorkers: 10, ChunkSize: 50, Timeout: 5 * time.Second, SitemapDepth: 2},
			Iframe:  IframeConfig{SrcPrefix: "https://ovh.slgnt.eu/optiext/"},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"workers zero", func(c *Config) { c.Crawler.MaxWorkers = 0 }},
		{"workers too high", func(c *Config) { c.Crawler.MaxWorkers = 500 }},
		{"chunk zero", func(c *Config) { c.Crawler.ChunkSize = 0 }},
		{"timeout too short", func(c *Config) { c.Crawler.Timeout = 100 * time.Millisecond }},
		{"sitemap depth negative", func(c *Config) { c.Crawler.SitemapDepth = -1 }},
		{"missing iframe prefix", func(c *Config) { c.Iframe.SrcPrefix = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
