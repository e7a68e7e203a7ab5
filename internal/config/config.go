// Package config loads the agent's YAML configuration file, the
// Go-idiomatic analogue of the original Pennsieve agent's config.ini
// (original_source/src/config.rs).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CacheConfig is the enumerated cache configuration of spec.md §6.
type CacheConfig struct {
	BasePath      string `yaml:"base_path"`
	PageSize      int    `yaml:"page_size"`
	SoftCacheSize int64  `yaml:"soft_cache_size"`
	HardCacheSize int64  `yaml:"hard_cache_size"`
}

// ServerConfig holds the listen addresses for the agent's surfaces.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	ControlAddr string `yaml:"control_addr"`
}

// ProxyConfig holds the reverse-proxy target.
type ProxyConfig struct {
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// UploadConfig configures the uploader worker.
type UploadConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Parallelism int    `yaml:"parallelism"`
}

// CollectorConfig configures the background eviction schedule.
type CollectorConfig struct {
	CronSpec string `yaml:"cron_spec"`
}

// Config is the full agent.yaml shape.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Upload    UploadConfig    `yaml:"upload"`
	Collector CollectorConfig `yaml:"collector"`
	CatalogDB string          `yaml:"catalog_db"`
}

// Default returns a Config with the same conservative defaults a fresh
// install would want before the operator edits agent.yaml.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			BasePath:      "./cache",
			PageSize:      1000,
			SoftCacheSize: 0,
			HardCacheSize: 0,
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			ControlAddr: ":9090",
		},
		Collector: CollectorConfig{
			CronSpec: "0 */1 * * * *",
		},
		Upload: UploadConfig{
			Parallelism: 2,
		},
		CatalogDB: "./catalog.db",
	}
}

// Load reads and parses a YAML config file at path, filling any field the
// file omits with Default's value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
