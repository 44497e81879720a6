package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "/etc/trackguard/config.yaml"
	EnvPrefix         = "TRACKGUARD"

	// UserCategory holds the domains listed under blocking.blacklist.
	UserCategory = "User"
)

// SearchPaths are tried in order when no explicit config file is given.
var SearchPaths = []string{
	"configs/config.yaml",
	"./config.yaml",
	DefaultConfigPath,
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Matcher  MatcherConfig  `mapstructure:"matcher"`
	Blocking BlockingConfig `mapstructure:"blocking"`
}

type AppConfig struct {
	UpdateInterval int    `mapstructure:"update_interval_hours"`
	LogLevel       string `mapstructure:"log_level"`
	Development    bool   `mapstructure:"development"`
	DBPath         string `mapstructure:"db_path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type MatcherConfig struct {
	CacheSize int `mapstructure:"cache_size"`
	// EnabledCategories is the initial state when nothing is persisted yet.
	// Empty means every loaded category.
	EnabledCategories []string         `mapstructure:"enabled_categories"`
	BlockWebfonts     bool             `mapstructure:"block_webfonts"`
	Overrides         []OverrideConfig `mapstructure:"overrides"`
}

// OverrideConfig appends patterns to a category loaded from the feeds.
type OverrideConfig struct {
	Category string   `mapstructure:"category"`
	Domains  []string `mapstructure:"domains"`
}

type BlockingConfig struct {
	Sources   []SourceConfig `mapstructure:"sources"`
	Blacklist []string       `mapstructure:"blacklist"`
	// Whitelist entries are "page-domain=resource-domain" pairs added to the
	// entity table, or bare domains that whitelist themselves on any page of
	// the same domain.
	Whitelist []string `mapstructure:"whitelist"`
}

// SourceConfig describes one remote list.
//
// Format is one of hosts, text, csv, yaml, disconnect or entities. Category
// is required for the flat formats; disconnect lists carry their own.
type SourceConfig struct {
	Name         string `mapstructure:"name"`
	URL          string `mapstructure:"url"`
	Format       string `mapstructure:"format"`
	Category     string `mapstructure:"category"`
	TargetColumn string `mapstructure:"target_column"`
}

// Load reads path, or the first file found in SearchPaths when path is empty.
// Missing files are not an error: defaults and TRACKGUARD_* variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		for _, p := range SearchPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Used reports which file Load would pick for path.
func Used(path string) string {
	if path != "" {
		return path
	}
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.update_interval_hours", 24)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.development", false)
	v.SetDefault("app.db_path", "./data/trackguard.db")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("matcher.cache_size", 1024)
	v.SetDefault("matcher.block_webfonts", false)
}

var validFormats = map[string]bool{
	"hosts": true, "text": true, "csv": true, "yaml": true, "disconnect": true, "entities": true,
}

func (c *Config) Validate() error {
	if c.App.DBPath == "" {
		return errors.New("app.db_path must be set")
	}
	if c.Matcher.CacheSize <= 0 {
		return errors.New("matcher.cache_size must be > 0")
	}
	if c.App.UpdateInterval < 0 {
		return errors.New("app.update_interval_hours must be >= 0")
	}

	for i, o := range c.Matcher.Overrides {
		if o.Category == "" {
			return fmt.Errorf("matcher.overrides[%d]: category is required", i)
		}
	}

	seen := make(map[string]bool, len(c.Blocking.Sources))
	for i, src := range c.Blocking.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("blocking.sources[%d]: name and url are required", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("blocking.sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = true

		format := strings.ToLower(src.Format)
		if format == "" {
			format = "hosts"
		}
		if !validFormats[format] {
			return fmt.Errorf("blocking.sources[%d]: unknown format %q", i, src.Format)
		}
		if src.Category == "" && (format == "hosts" || format == "text" || format == "csv") {
			return fmt.Errorf("blocking.sources[%d]: category is required for %s lists", i, format)
		}
		if format == "csv" && src.TargetColumn == "" {
			return fmt.Errorf("blocking.sources[%d]: target_column is required for csv lists", i)
		}
	}
	return nil
}
