package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alvmarrod/geoconvo/internal/config"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/upstream"
	"github.com/sirupsen/logrus"
)

// ErrNoKeywords is returned when trends mode has nothing to track yet
var ErrNoKeywords = errors.New("no keywords to track")

// HTTPOptions configures the upstream filter stream
type HTTPOptions struct {
	URL            string
	BearerToken    string
	UserAgent      string
	Mode           string     // config.ModePlaces or config.ModeTrends
	BoundingBox    [4]float64 // minLon, minLat, maxLon, maxLat
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

// HTTPSource reads the long-lived filter stream, reconnecting on failure
type HTTPSource struct {
	opts     HTTPOptions
	client   *http.Client
	keywords func() []string
	tracker  *metrics.Tracker

	mu         sync.Mutex
	cancelConn context.CancelFunc
	restarted  atomic.Bool
}

// NewHTTPSource creates a filter stream source. keywords supplies the tracked
// terms in trends mode and may be nil in places mode.
func NewHTTPSource(opts HTTPOptions, keywords func() []string, tracker *metrics.Tracker) *HTTPSource {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	return &HTTPSource{
		opts: opts,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.ConnectTimeout,
			},
		},
		keywords: keywords,
		tracker:  tracker,
	}
}

// Run connects and consumes until ctx is done
func (s *HTTPSource) Run(ctx context.Context, handle Handler) error {
	for {
		err := s.connect(ctx, handle)
		if ctx.Err() != nil {
			logrus.Info("Stream stopped")
			return nil
		}

		if s.restarted.Swap(false) {
			logrus.Info("Stream filter changed, reconnecting")
			s.tracker.Inc(metrics.StreamReconnects)
			continue
		}

		if err != nil {
			logrus.Warnf("Stream disconnected: %v (retrying in %s)", err, s.opts.ReconnectDelay)
		} else {
			logrus.Infof("Stream ended (retrying in %s)", s.opts.ReconnectDelay)
		}
		s.tracker.Inc(metrics.StreamReconnects)

		if err := sleepContext(ctx, s.opts.ReconnectDelay); err != nil {
			logrus.Info("Stream stopped")
			return nil
		}
	}
}

// Restart drops the current connection so the next one uses a fresh filter
func (s *HTTPSource) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelConn != nil {
		s.restarted.Store(true)
		s.cancelConn()
	}
}

// Filter returns the form parameters for the current mode
func (s *HTTPSource) Filter() (url.Values, error) {
	form := url.Values{}

	if s.opts.Mode == config.ModeTrends {
		var terms []string
		if s.keywords != nil {
			terms = s.keywords()
		}
		if len(terms) == 0 {
			return nil, ErrNoKeywords
		}
		form.Set("track", strings.Join(terms, ","))
		return form, nil
	}

	coords := make([]string, 0, len(s.opts.BoundingBox))
	for _, v := range s.opts.BoundingBox {
		coords = append(coords, strconv.FormatFloat(v, 'f', -1, 64))
	}
	form.Set("locations", strings.Join(coords, ","))
	return form, nil
}

func (s *HTTPSource) connect(ctx context.Context, handle Handler) error {
	form, err := s.Filter()
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelConn = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelConn = nil
		s.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, s.opts.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.BearerToken)
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &upstream.StatusError{URL: s.opts.URL, StatusCode: resp.StatusCode}
	}

	logrus.Infof("Connected to stream %s (%s)", s.opts.URL, form.Encode())
	return Consume(connCtx, resp.Body, handle, s.tracker)
}
