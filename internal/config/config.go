// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	goqueryextract "github.com/JakeFAU/refcrawler/internal/extract/goquery"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig                    `mapstructure:"server"`
	Auth           AuthConfig                      `mapstructure:"auth"`
	Cache          CacheConfig                     `mapstructure:"cache"`
	Crawl          CrawlConfig                     `mapstructure:"crawl"`
	HTTP           HTTPConfig                      `mapstructure:"http"`
	Headless       HeadlessConfig                  `mapstructure:"headless"`
	Extract        goqueryextract.Selectors        `mapstructure:"extract"`
	Storage        StorageConfig                   `mapstructure:"storage"`
	DB             DBConfig                        `mapstructure:"db"`
	PubSub         PubSubConfig                    `mapstructure:"pubsub"`
	Logging        LoggingConfig                   `mapstructure:"logging"`
	StandardCrawls map[string]crawler.CrawlRequest `mapstructure:"standard_crawls"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig selects where the page cache snapshot lives.
type CacheConfig struct {
	Backend        string `mapstructure:"backend"`
	Path           string `mapstructure:"path"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	GCSObject      string `mapstructure:"gcs_object"`
	DefaultTTLDays int    `mapstructure:"default_ttl_days"`
}

// CrawlConfig governs the default crawl and the job pipeline.
type CrawlConfig struct {
	RootURL           string `mapstructure:"root_url"`
	RootMode          string `mapstructure:"root_mode"`
	RootTTLDays       int    `mapstructure:"root_ttl_days"`
	MaxDepth          int    `mapstructure:"max_depth"`
	Workers           int    `mapstructure:"workers"`
	MaxInFlight       int    `mapstructure:"max_in_flight"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	JobWorkers        int    `mapstructure:"job_workers"`
	JobTimeoutSeconds int    `mapstructure:"job_timeout_seconds"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
	// PerHostRPS paces network retrievals per host. Zero disables pacing.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// Promote fetches statically first and renders only pages that look
	// client-rendered.
	Promote          bool `mapstructure:"promote"`
	PromoteThreshold int  `mapstructure:"promote_threshold"`
}

// StorageConfig sets where crawl results are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REFCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &crawler.ConfigError{Field: "config", Reason: "read config", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &crawler.ConfigError{Field: "config", Reason: "unmarshal config", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.path", "cache_file.json")
	v.SetDefault("cache.gcs_object", "refcrawler/cache_file.json")
	v.SetDefault("cache.default_ttl_days", 7)
	v.SetDefault("crawl.root_mode", string(crawler.ModeFull))
	v.SetDefault("crawl.root_ttl_days", 1)
	v.SetDefault("crawl.max_depth", 1)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.max_in_flight", 8)
	v.SetDefault("crawl.queue_depth", 16)
	v.SetDefault("crawl.job_workers", 2)
	v.SetDefault("crawl.job_timeout_seconds", 600)
	v.SetDefault("http.user_agent", "refcrawler/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promote", true)
	v.SetDefault("headless.promote_threshold", 2048)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "results")
	v.SetDefault("storage.prefix", "crawls")
	v.SetDefault("db.table", "crawl_records")
	v.SetDefault("logging.development", true)
	setSelectorDefaults(v, "extract.full", goqueryextract.DefaultSelectors().Full)
	setSelectorDefaults(v, "extract.headlines", goqueryextract.DefaultSelectors().Headlines)
	setSelectorDefaults(v, "extract.related", goqueryextract.DefaultSelectors().Related)
	sections := goqueryextract.DefaultSelectors().Sections
	v.SetDefault("extract.sections.front_title", sections.FrontTitle)
	v.SetDefault("extract.sections.region", sections.Region)
	v.SetDefault("extract.sections.list", sections.List)
	v.SetDefault("extract.sections.header", sections.Header)
	v.SetDefault("extract.sections.item", sections.Item)
}

func setSelectorDefaults(v *viper.Viper, prefix string, sel goqueryextract.ModeSelectors) {
	v.SetDefault(prefix+".container", sel.Container)
	v.SetDefault(prefix+".item", sel.Item)
	v.SetDefault(prefix+".title", sel.Title)
	v.SetDefault(prefix+".link", sel.Link)
	v.SetDefault(prefix+".byline", sel.Byline)
	v.SetDefault(prefix+".summary", sel.Summary)
	v.SetDefault(prefix+".thumbnail", sel.Thumbnail)
}

func invalid(field, reason string) error {
	return &crawler.ConfigError{Field: field, Reason: reason}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return invalid("server.port", "must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return invalid("auth.api_key", "must be set when auth is enabled")
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateCrawl(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return invalid("http.timeout_seconds", "must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return invalid("http.max_retries", "must be >= 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return invalid("http.per_host_rps", "must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return invalid("headless.max_parallel", "must be > 0 when headless is enabled")
	}
	if err := c.Extract.Validate(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.DB.DSN != "" && !tableName.MatchString(c.DB.Table) {
		return invalid("db.table", fmt.Sprintf("invalid table name %q", c.DB.Table))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return invalid("pubsub.project_id", "must be set when pubsub.topic_name is set")
	}
	for name, req := range c.StandardCrawls {
		if err := crawler.ValidateRootURL(req.URL); err != nil {
			return invalid("standard_crawls."+name+".url", err.Error())
		}
		if _, err := crawler.ParseMode(string(req.Mode)); err != nil {
			return invalid("standard_crawls."+name+".mode", err.Error())
		}
	}
	return nil
}

func (c Config) validateCache() error {
	switch c.Cache.Backend {
	case "local":
		if strings.TrimSpace(c.Cache.Path) == "" {
			return invalid("cache.path", "required for the local backend")
		}
	case "gcs":
		if c.Cache.GCSBucket == "" {
			return invalid("cache.gcs_bucket", "required for the gcs backend")
		}
		if c.Cache.GCSObject == "" {
			return invalid("cache.gcs_object", "required for the gcs backend")
		}
	case "memory":
	default:
		return invalid("cache.backend", fmt.Sprintf("unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.DefaultTTLDays < 0 {
		return invalid("cache.default_ttl_days", "must be >= 0")
	}
	return nil
}

func (c Config) validateCrawl() error {
	if c.Crawl.RootURL != "" {
		if err := crawler.ValidateRootURL(c.Crawl.RootURL); err != nil {
			return invalid("crawl.root_url", err.Error())
		}
	}
	if _, err := crawler.ParseMode(c.Crawl.RootMode); err != nil {
		return invalid("crawl.root_mode", err.Error())
	}
	switch {
	case c.Crawl.RootTTLDays < 0:
		return invalid("crawl.root_ttl_days", "must be >= 0")
	case c.Crawl.MaxDepth < 0:
		return invalid("crawl.max_depth", "must be >= 0")
	case c.Crawl.Workers <= 0:
		return invalid("crawl.workers", "must be > 0")
	case c.Crawl.MaxInFlight <= 0:
		return invalid("crawl.max_in_flight", "must be > 0")
	case c.Crawl.QueueDepth <= 0:
		return invalid("crawl.queue_depth", "must be > 0")
	case c.Crawl.JobWorkers <= 0:
		return invalid("crawl.job_workers", "must be > 0")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return invalid("storage.base_dir", "required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return invalid("storage.gcs_bucket", "required for the gcs backend")
		}
	default:
		return invalid("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	return nil
}

// DefaultRequest is the crawl described by the crawl section.
func (c Config) DefaultRequest() crawler.CrawlRequest {
	mode, _ := crawler.ParseMode(c.Crawl.RootMode)
	return crawler.CrawlRequest{
		URL:      c.Crawl.RootURL,
		Mode:     mode,
		MaxDepth: c.Crawl.MaxDepth,
		TTLDays:  c.Crawl.RootTTLDays,
	}
}

// JobTimeout bounds one crawl job; zero means no limit.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Crawl.JobTimeoutSeconds) * time.Second
}

// HTTPTimeout is the per-request network timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
