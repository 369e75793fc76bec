package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Counters(t *testing.T) {
	tracker := NewTracker()
	tracker.Inc(PostsNew)
	tracker.Inc(PostsNew)
	tracker.Add(PostsDuplicate, 3)

	assert.Equal(t, int64(2), tracker.Count(PostsNew))
	assert.Equal(t, int64(3), tracker.Count(PostsDuplicate))
	assert.Zero(t, tracker.Count(PostsChained))
	assert.Equal(t, []string{PostsDuplicate, PostsNew}, tracker.Names())

	snapshot := tracker.Snapshot()
	tracker.Inc(PostsNew)
	assert.Equal(t, int64(2), snapshot[PostsNew], "snapshot must be a copy")
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tracker *Tracker
	assert.NotPanics(t, func() { tracker.Inc(PostsNew) })
}

func TestTracker_Concurrent(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Inc(LinksCreatedKnown)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), tracker.Count(LinksCreatedKnown))
}

func TestTracker_LogProgress(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(PostsNew, 5)
	tracker.Add(Lookup("posts", LookupLoadedSuffix), 2)
	tracker.Add(Lookup("authors", LookupLoadedSuffix), 3)
	tracker.Inc(Lookup("posts", LookupDroppedSuffix))

	line := tracker.LogProgress()
	assert.Contains(t, line, "Posts: 5 new")
	assert.Contains(t, line, "Lookups: 5 loaded, 1 dropped")
}

func TestTracker_WriteToFile(t *testing.T) {
	tracker := NewTracker()
	tracker.Inc(PublisherMessages)

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, tracker.WriteToFile(path, "signal"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var summary Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "signal", summary.TerminationReason)
	assert.Equal(t, int64(1), summary.Counters[PublisherMessages])
}

func TestTracker_WriteToFileBadPath(t *testing.T) {
	tracker := NewTracker()
	err := tracker.WriteToFile(filepath.Join(t.TempDir(), "missing", "metrics.json"), "done")
	assert.Error(t, err)
}

func TestTracker_Handler(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(PostsChained, 7)

	rec := httptest.NewRecorder()
	tracker.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `geoconvo_events_total{event="posts.chained"} 7`)
}
