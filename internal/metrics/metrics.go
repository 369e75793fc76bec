package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names shared by all components
const (
	PostsNew              = "posts.new"
	PostsDuplicate        = "posts.duplicate"
	PostsChained          = "posts.chained"
	PostsChainCapped      = "posts.chain.capped"
	PostsReplies          = "posts.replies"
	PostsRetweets         = "posts.retweets"
	PostsQuotesEmbedded   = "posts.quotes.embedded"
	PostsQuotesByID       = "posts.quotes.by_id"
	SourceLocationKnown   = "posts.source.location.known"
	SourceLocationUnknown = "posts.source.location.unknown"
	TargetLocationKnown   = "posts.target.location.known"
	TargetLocationUnknown = "posts.target.location.unknown"
	LinksCreatedKnown     = "links.created.known"
	LinksCreatedUnknown   = "links.created.unknown"
	GovernorWaits         = "governor.waits"
	GovernorChecks        = "governor.checks"
	PublisherMessages     = "publisher.messages"
	PublisherLinks        = "publisher.links"
	PublisherEnds         = "publisher.ends"
	PublisherPoints       = "publisher.points"
	PlacesKnown           = "places.known"
	PlacesUnknown         = "places.unknown"
	PlacesFeatures        = "places.features"
	TransportStartup      = "transport.startup"
	TransportDropped      = "transport.dropped"
	TransportRejected     = "transport.rejected"
	StreamPosts           = "stream.posts"
	StreamReconnects      = "stream.reconnects"
	StreamDecodeErrors    = "stream.decode_errors"
	TrendsPolls           = "trends.polls"
	TrendsPlaceRequests   = "trends.requests.places"
	TrendsTrendRequests   = "trends.requests.trends"
	LookupCachedSuffix    = "cached"
	LookupEnqueuedSuffix  = "enqueued"
	LookupLoadedSuffix    = "loaded"
	LookupFailedSuffix    = "failed"
	LookupDroppedSuffix   = "dropped"
	LookupAbsentSuffix    = "absent"
	LookupCoalescedSuffix = "coalesced"
)

// Lookup returns the event name for a lookup service outcome
func Lookup(service, suffix string) string {
	return "lookup." + service + "." + suffix
}

// Summary is the counter snapshot exported on exit
type Summary struct {
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time,omitempty"`
	TerminationReason string           `json:"termination_reason,omitempty"`
	Counters          map[string]int64 `json:"counters"`
}

// Tracker holds and manages runtime counters.
// Every increment is mirrored into a prometheus counter on the tracker's own registry.
type Tracker struct {
	mu        sync.Mutex
	counts    map[string]int64
	startTime time.Time

	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	registry := prometheus.NewRegistry()
	return &Tracker{
		counts:    make(map[string]int64),
		startTime: time.Now(),
		registry:  registry,
		events: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geoconvo",
				Name:      "events_total",
				Help:      "Total number of engine events by name",
			},
			[]string{"event"},
		),
	}
}

// Inc increments the named counter by one
func (t *Tracker) Inc(name string) {
	t.Add(name, 1)
}

// Add increments the named counter by delta
func (t *Tracker) Add(name string, delta int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.counts[name] += delta
	t.mu.Unlock()

	t.events.WithLabelValues(name).Add(float64(delta))
}

// Count returns the current value of the named counter
func (t *Tracker) Count(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}

// Snapshot returns a copy of all counters
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string]int64, len(t.counts))
	for name, value := range t.counts {
		snapshot[name] = value
	}
	return snapshot
}

// Handler serves the tracker's registry in the prometheus exposition format
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Registry exposes the prometheus registry for extra collectors
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// WriteToFile exports counters to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	summary := Summary{
		StartTime:         t.startTime,
		EndTime:           time.Now(),
		TerminationReason: reason,
		Counters:          t.Snapshot(),
	}

	jsonData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress returns a one-line summary for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var loaded, dropped int64
	for name, value := range t.counts {
		switch {
		case strings.HasSuffix(name, "."+LookupLoadedSuffix):
			loaded += value
		case strings.HasSuffix(name, "."+LookupDroppedSuffix):
			dropped += value
		}
	}

	return fmt.Sprintf("Posts: %d new, %d duplicate, %d chained | Links: %d known, %d nodes | Lookups: %d loaded, %d dropped | Published: %d messages",
		t.counts[PostsNew],
		t.counts[PostsDuplicate],
		t.counts[PostsChained],
		t.counts[LinksCreatedKnown],
		t.counts[LinksCreatedUnknown],
		loaded,
		dropped,
		t.counts[PublisherMessages],
	)
}

// Names returns all counter names in sorted order
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.counts))
	for name := range t.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
