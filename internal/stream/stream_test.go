package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvmarrod/geoconvo/internal/config"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	posts []*model.Post
}

func (c *collector) handle(post *model.Post) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, post)
}

func (c *collector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.posts))
	for _, p := range c.posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestConsume(t *testing.T) {
	tracker := metrics.NewTracker()
	var got collector

	input := strings.Join([]string{
		`{"id":1,"text":"hello #go","user":{"id":10,"screen_name":"alice"}}`,
		``,
		`{"delete":{"status":{"id":5}}}`,
		`not json`,
		`{"id":2,"in_reply_to_status_id":1}`,
	}, "\r\n")

	err := Consume(context.Background(), strings.NewReader(input), got.handle, tracker)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, got.ids())
	assert.Equal(t, int64(2), tracker.Count(metrics.StreamPosts))
	assert.Equal(t, int64(2), tracker.Count(metrics.StreamDecodeErrors))

	id, ok := got.posts[1].ReplyToID()
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestConsume_ReaderError(t *testing.T) {
	r := io.MultiReader(strings.NewReader(`{"id":1}`+"\n"), errReader{err: errors.New("reset by peer")})
	var got collector

	err := Consume(context.Background(), r, got.handle, metrics.NewTracker())
	assert.ErrorContains(t, err, "reset by peer")
	assert.Equal(t, []int64{1}, got.ids())
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestHTTPSource_Filter(t *testing.T) {
	t.Run("places", func(t *testing.T) {
		s := NewHTTPSource(HTTPOptions{Mode: config.ModePlaces, BoundingBox: [4]float64{-180, -90, 180, 90}}, nil, nil)
		form, err := s.Filter()
		require.NoError(t, err)
		assert.Equal(t, "-180,-90,180,90", form.Get("locations"))
	})

	t.Run("trends", func(t *testing.T) {
		terms := []string{}
		s := NewHTTPSource(HTTPOptions{Mode: config.ModeTrends}, func() []string { return terms }, nil)

		_, err := s.Filter()
		assert.ErrorIs(t, err, ErrNoKeywords)

		terms = []string{"#go", "gophers"}
		form, err := s.Filter()
		require.NoError(t, err)
		assert.Equal(t, "#go,gophers", form.Get("track"))
	})
}

func TestHTTPSource_Run(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1.5,2,3,4", r.PostForm.Get("locations"))

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "{\"id\":%d}\n\n", 100+n)
	}))
	defer srv.Close()

	tracker := metrics.NewTracker()
	s := NewHTTPSource(HTTPOptions{
		URL:            srv.URL,
		BearerToken:    "secret",
		Mode:           config.ModePlaces,
		BoundingBox:    [4]float64{1.5, 2, 3, 4},
		ReconnectDelay: time.Millisecond,
	}, nil, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	var got collector
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, got.handle) }()

	require.Eventually(t, func() bool { return len(got.ids()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{102, 103}, got.ids()[:2])
	assert.GreaterOrEqual(t, tracker.Count(metrics.StreamReconnects), int64(2))
}

func TestHTTPSource_Restart(t *testing.T) {
	tracks := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		tracks <- r.PostForm.Get("track")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	terms := []string{"first"}
	s := NewHTTPSource(HTTPOptions{
		URL:            srv.URL,
		Mode:           config.ModeTrends,
		ReconnectDelay: time.Hour,
	}, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return terms
	}, metrics.NewTracker())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(*model.Post) {})

	assert.Equal(t, "first", waitFor(t, tracks))

	mu.Lock()
	terms = []string{"second", "third"}
	mu.Unlock()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cancelConn != nil
	}, time.Second, time.Millisecond)
	s.Restart()

	assert.Equal(t, "second,third", waitFor(t, tracks), "restart reconnects without waiting for the retry delay")
}

func waitFor(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

// fakeReader replays messages then blocks until the context ends
type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaSource_Run(t *testing.T) {
	reader := &fakeReader{
		errs: []error{errors.New("broker unavailable")},
		messages: []kafka.Message{
			{Value: []byte(`{"id":7,"user":{"id":1,"screen_name":"bob"}}`)},
			{Value: []byte(`garbage`)},
			{Value: []byte(`{"id":8}`)},
		},
	}
	tracker := metrics.NewTracker()
	k := newKafkaSource(reader, KafkaOptions{Topic: "posts", RetryDelay: time.Millisecond}, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	var got collector
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, got.handle) }()

	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{7, 8}, got.ids())
	assert.Equal(t, int64(1), tracker.Count(metrics.StreamDecodeErrors))
	assert.Equal(t, int64(1), tracker.Count(metrics.StreamReconnects))

	require.NoError(t, k.Close())
	assert.True(t, reader.closed)
}
