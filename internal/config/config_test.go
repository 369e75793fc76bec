package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, SourceHTTP, cfg.Stream.Source)
	assert.Equal(t, ModePlaces, cfg.Stream.Mode)
	assert.Equal(t, [4]float64{-180, -90, 180, 90}, cfg.Stream.BoundingBox)
	assert.Equal(t, 2, cfg.Lookup.Workers)
	assert.Equal(t, 100, cfg.Lookup.QueueSize)
	assert.Equal(t, 10000, cfg.Lookup.CacheSize)
	assert.Equal(t, 10, cfg.Lookup.RateCheckIntervalSec)
	assert.Equal(t, 10, cfg.Lookup.MinRemainingRequests)
	assert.Equal(t, 10000, cfg.Graph.MaxLinks)
	assert.Equal(t, 100, cfg.Graph.TagBucketSize)
	assert.Equal(t, 20, cfg.Graph.RecentPostsPerTag)
	assert.Equal(t, 50, cfg.Graph.MaxChainDepth)
	assert.Zero(t, cfg.Publish.MaxAgeMs)
	assert.Equal(t, int64(3600000), cfg.Publish.StartupMaxAgeMs)
	assert.Equal(t, 200, cfg.Publish.StartupMaxLinksPerType)
	assert.Equal(t, "/topic/updates", cfg.Publish.Topic)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.ErrorBackoff())
	assert.Equal(t, time.Second, cfg.PublishInterval())
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
stream:
  source: kafka
  brokers: ["localhost:9092"]
  topic: posts
lookup:
  workers: 4
publish:
  interval_ms: 500
  max_links_per_type: 25
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, SourceKafka, cfg.Stream.Source)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Stream.Brokers)
	assert.Equal(t, 4, cfg.Lookup.Workers)
	assert.Equal(t, 500, cfg.Publish.IntervalMs)
	assert.Equal(t, 25, cfg.Publish.MaxLinksPerType)
	assert.Equal(t, "geoconvo", cfg.Stream.GroupID)
}

func TestLoadConfig_BearerTokenFromEnv(t *testing.T) {
	t.Setenv(BearerTokenEnv, "from-env")
	path := writeConfig(t, "config.json", `{"upstream": {"bearer_token": "from-file"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Upstream.BearerToken)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "c.json", `{`},
		{"malformed yaml", "c.yaml", "lookup: [1"},
		{"too many workers", "c.json", `{"lookup": {"workers": 5}}`},
		{"unknown source", "c.json", `{"stream": {"source": "ftp"}}`},
		{"kafka without brokers", "c.json", `{"stream": {"source": "kafka"}}`},
		{"trends mode without poller", "c.json", `{"stream": {"mode": "trends"}}`},
		{"inverted bounding box", "c.json", `{"stream": {"bounding_box": [10, 10, -10, -10]}}`},
		{"short timeout", "c.json", `{"upstream": {"request_timeout_ms": 10}}`},
		{"negative max age", "c.json", `{"publish": {"max_age_ms": -1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
	assert.Equal(t, "places.db", cfg.Places.DBPath)
}
