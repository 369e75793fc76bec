package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BearerTokenEnv overrides upstream.bearer_token when set
const BearerTokenEnv = "GEOCONVO_BEARER_TOKEN"

// Stream sources and filter modes
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
	ModePlaces  = "places"
	ModeTrends  = "trends"
)

// Config holds all runtime configuration parameters
type Config struct {
	Upstream    UpstreamConfig `json:"upstream" yaml:"upstream"`
	Stream      StreamConfig   `json:"stream" yaml:"stream"`
	Lookup      LookupConfig   `json:"lookup" yaml:"lookup"`
	Graph       GraphConfig    `json:"graph" yaml:"graph"`
	Publish     PublishConfig  `json:"publish" yaml:"publish"`
	Places      PlacesConfig   `json:"places" yaml:"places"`
	Trends      TrendsConfig   `json:"trends" yaml:"trends"`
	Server      ServerConfig   `json:"server" yaml:"server"`
	MetricsPath string         `json:"metrics_path" yaml:"metrics_path"`
	LogLevel    string         `json:"log_level" yaml:"log_level"`
}

// UpstreamConfig describes the REST API used for enrichment lookups
type UpstreamConfig struct {
	BaseURL          string `json:"base_url" yaml:"base_url"`
	StreamURL        string `json:"stream_url" yaml:"stream_url"`
	BearerToken      string `json:"bearer_token" yaml:"bearer_token"`
	RequestTimeoutMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	UserAgent        string `json:"user_agent" yaml:"user_agent"`
}

// StreamConfig selects where posts come from and how the stream is filtered
type StreamConfig struct {
	Source           string     `json:"source" yaml:"source"`
	Mode             string     `json:"mode" yaml:"mode"`
	BoundingBox      [4]float64 `json:"bounding_box" yaml:"bounding_box"`
	Brokers          []string   `json:"brokers" yaml:"brokers"`
	Topic            string     `json:"topic" yaml:"topic"`
	GroupID          string     `json:"group_id" yaml:"group_id"`
	ReconnectDelayMs int        `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
}

// LookupConfig sizes the enrichment lookup services
type LookupConfig struct {
	Workers              int `json:"workers" yaml:"workers"`
	QueueSize            int `json:"queue_size" yaml:"queue_size"`
	CacheSize            int `json:"cache_size" yaml:"cache_size"`
	ErrorBackoffMs       int `json:"error_backoff_ms" yaml:"error_backoff_ms"`
	RateCheckIntervalSec int `json:"rate_check_interval_sec" yaml:"rate_check_interval_sec"`
	MinRemainingRequests int `json:"min_remaining_requests" yaml:"min_remaining_requests"`
}

// GraphConfig bounds the conversation graph
type GraphConfig struct {
	MaxLinks          int `json:"max_links" yaml:"max_links"`
	TagBucketSize     int `json:"tag_bucket_size" yaml:"tag_bucket_size"`
	RecentPostsPerTag int `json:"recent_posts_per_tag" yaml:"recent_posts_per_tag"`
	MaxChainDepth     int `json:"max_chain_depth" yaml:"max_chain_depth"`
}

// PublishConfig controls the periodic and startup publications
type PublishConfig struct {
	IntervalMs             int    `json:"interval_ms" yaml:"interval_ms"`
	MaxAgeMs               int64  `json:"max_age_ms" yaml:"max_age_ms"`
	MaxLinksPerType        int    `json:"max_links_per_type" yaml:"max_links_per_type"`
	StartupMaxAgeMs        int64  `json:"startup_max_age_ms" yaml:"startup_max_age_ms"`
	StartupMaxLinksPerType int    `json:"startup_max_links_per_type" yaml:"startup_max_links_per_type"`
	MaxEntitiesPerEnd      int    `json:"max_entities_per_end" yaml:"max_entities_per_end"`
	MaxPostsPerLink        int    `json:"max_posts_per_link" yaml:"max_posts_per_link"`
	ProfileURLPrefix       string `json:"profile_url_prefix" yaml:"profile_url_prefix"`
	Topic                  string `json:"topic" yaml:"topic"`
}

// PlacesConfig locates the gazetteer database
type PlacesConfig struct {
	DBPath    string `json:"db_path" yaml:"db_path"`
	CacheSize int    `json:"cache_size" yaml:"cache_size"`
}

// TrendsConfig controls the trending-topic poller
type TrendsConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	IntervalMin int  `json:"interval_min" yaml:"interval_min"`
	MaxPlaces   int  `json:"max_places" yaml:"max_places"`
	MaxTerms    int  `json:"max_terms" yaml:"max_terms"`
}

// ServerConfig configures the client-facing HTTP server
type ServerConfig struct {
	Addr            string `json:"addr" yaml:"addr"`
	MaxConnsPerHost int    `json:"max_conns_per_host" yaml:"max_conns_per_host"`
}

// LoadConfig reads and validates configuration from a JSON or YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes. ext selects the format (".yaml"/".yml"
// for YAML, anything else is JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if token := os.Getenv(BearerTokenEnv); token != "" {
		cfg.Upstream.BearerToken = token
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.twitter.com/1.1"
	}
	if cfg.Upstream.StreamURL == "" {
		cfg.Upstream.StreamURL = "https://stream.twitter.com/1.1/statuses/filter.json"
	}
	if cfg.Upstream.RequestTimeoutMs == 0 {
		cfg.Upstream.RequestTimeoutMs = 10000
	}
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = "geoconvo"
	}

	if cfg.Stream.Source == "" {
		cfg.Stream.Source = SourceHTTP
	}
	if cfg.Stream.Mode == "" {
		cfg.Stream.Mode = ModePlaces
	}
	if cfg.Stream.BoundingBox == [4]float64{} {
		cfg.Stream.BoundingBox = [4]float64{-180, -90, 180, 90}
	}
	if cfg.Stream.GroupID == "" {
		cfg.Stream.GroupID = "geoconvo"
	}
	if cfg.Stream.ReconnectDelayMs == 0 {
		cfg.Stream.ReconnectDelayMs = 5000
	}

	if cfg.Lookup.Workers == 0 {
		cfg.Lookup.Workers = 2
	}
	if cfg.Lookup.QueueSize == 0 {
		cfg.Lookup.QueueSize = 100
	}
	if cfg.Lookup.CacheSize == 0 {
		cfg.Lookup.CacheSize = 10000
	}
	if cfg.Lookup.ErrorBackoffMs == 0 {
		cfg.Lookup.ErrorBackoffMs = 5000
	}
	if cfg.Lookup.RateCheckIntervalSec == 0 {
		cfg.Lookup.RateCheckIntervalSec = 10
	}
	if cfg.Lookup.MinRemainingRequests == 0 {
		cfg.Lookup.MinRemainingRequests = 10
	}

	if cfg.Graph.MaxLinks == 0 {
		cfg.Graph.MaxLinks = 10000
	}
	if cfg.Graph.TagBucketSize == 0 {
		cfg.Graph.TagBucketSize = 100
	}
	if cfg.Graph.RecentPostsPerTag == 0 {
		cfg.Graph.RecentPostsPerTag = 20
	}
	if cfg.Graph.MaxChainDepth == 0 {
		cfg.Graph.MaxChainDepth = 50
	}

	if cfg.Publish.IntervalMs == 0 {
		cfg.Publish.IntervalMs = 1000
	}
	if cfg.Publish.MaxLinksPerType == 0 {
		cfg.Publish.MaxLinksPerType = 100
	}
	if cfg.Publish.StartupMaxAgeMs == 0 {
		cfg.Publish.StartupMaxAgeMs = time.Hour.Milliseconds()
	}
	if cfg.Publish.StartupMaxLinksPerType == 0 {
		cfg.Publish.StartupMaxLinksPerType = 200
	}
	if cfg.Publish.MaxEntitiesPerEnd == 0 {
		cfg.Publish.MaxEntitiesPerEnd = 50
	}
	if cfg.Publish.MaxPostsPerLink == 0 {
		cfg.Publish.MaxPostsPerLink = 100
	}
	if cfg.Publish.ProfileURLPrefix == "" {
		cfg.Publish.ProfileURLPrefix = "https://twitter.com/"
	}
	if cfg.Publish.Topic == "" {
		cfg.Publish.Topic = "/topic/updates"
	}

	if cfg.Places.DBPath == "" {
		cfg.Places.DBPath = "places.db"
	}
	if cfg.Places.CacheSize == 0 {
		cfg.Places.CacheSize = 1000
	}

	if cfg.Trends.IntervalMin == 0 {
		cfg.Trends.IntervalMin = 15
	}
	if cfg.Trends.MaxPlaces == 0 {
		cfg.Trends.MaxPlaces = 10
	}
	if cfg.Trends.MaxTerms == 0 {
		cfg.Trends.MaxTerms = 50
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxConnsPerHost == 0 {
		cfg.Server.MaxConnsPerHost = 16
	}

	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.Upstream.RequestTimeoutMs < 1000 {
		return fmt.Errorf("upstream.request_timeout_ms must be >= 1000")
	}
	if cfg.Stream.Source != SourceHTTP && cfg.Stream.Source != SourceKafka {
		return fmt.Errorf("stream.source must be %q or %q", SourceHTTP, SourceKafka)
	}
	if cfg.Stream.Mode != ModePlaces && cfg.Stream.Mode != ModeTrends {
		return fmt.Errorf("stream.mode must be %q or %q", ModePlaces, ModeTrends)
	}
	if cfg.Stream.Source == SourceKafka && (len(cfg.Stream.Brokers) == 0 || cfg.Stream.Topic == "") {
		return fmt.Errorf("stream.brokers and stream.topic are required for the kafka source")
	}
	if cfg.Stream.Mode == ModeTrends && !cfg.Trends.Enabled {
		return fmt.Errorf("stream.mode %q requires trends.enabled", ModeTrends)
	}
	box := cfg.Stream.BoundingBox
	if box[0] >= box[2] || box[1] >= box[3] {
		return fmt.Errorf("stream.bounding_box must be [min_lon, min_lat, max_lon, max_lat]")
	}
	if cfg.Lookup.Workers < 1 || cfg.Lookup.Workers > 4 {
		return fmt.Errorf("lookup.workers must be between 1 and 4")
	}
	if cfg.Lookup.QueueSize < 1 {
		return fmt.Errorf("lookup.queue_size must be >= 1")
	}
	if cfg.Lookup.ErrorBackoffMs < 0 || cfg.Lookup.RateCheckIntervalSec < 0 {
		return fmt.Errorf("lookup durations must be >= 0")
	}
	if cfg.Graph.MaxLinks < 1 || cfg.Graph.TagBucketSize < 1 || cfg.Graph.RecentPostsPerTag < 1 {
		return fmt.Errorf("graph capacities must be >= 1")
	}
	if cfg.Publish.IntervalMs < 100 {
		return fmt.Errorf("publish.interval_ms must be >= 100")
	}
	if cfg.Publish.MaxAgeMs < 0 || cfg.Publish.StartupMaxAgeMs < 0 {
		return fmt.Errorf("publish max ages must be >= 0")
	}
	if cfg.Publish.MaxLinksPerType < 0 || cfg.Publish.StartupMaxLinksPerType < 0 {
		return fmt.Errorf("publish link limits must be >= 0")
	}
	if cfg.Trends.Enabled && cfg.Trends.IntervalMin < 1 {
		return fmt.Errorf("trends.interval_min must be >= 1")
	}
	return nil
}

// RequestTimeout returns the upstream I/O timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Upstream.RequestTimeoutMs) * time.Millisecond
}

// ErrorBackoff returns the sleep applied after a failed lookup fetch
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Lookup.ErrorBackoffMs) * time.Millisecond
}

// PublishInterval returns the periodic publish period
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Publish.IntervalMs) * time.Millisecond
}

// ReconnectDelay returns the wait between stream reconnect attempts
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Stream.ReconnectDelayMs) * time.Millisecond
}
