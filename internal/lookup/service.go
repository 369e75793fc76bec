// Package lookup provides cache-first, rate-governed asynchronous fetches of
// single upstream entities by id.
package lookup

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/lru"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/upstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Fetcher loads one entity from upstream.
// Returning upstream.ErrNotFound reports a definitive absence.
type Fetcher[V any] func(id int64) (V, error)

// Gate admits upstream calls for a resource, see governor.Governor.Do
type Gate interface {
	Do(ctx context.Context, res governor.Resource, interval time.Duration, minRemaining int, fn func() error) error
}

// ResultFunc receives a lookup result. found is false when the entity does
// not exist upstream. It may never be called for a given request.
type ResultFunc[V any] func(value V, found bool)

// Options configures a lookup service
type Options struct {
	Name          string
	Workers       int
	QueueSize     int
	CacheSize     int
	Resource      governor.Resource
	CheckInterval time.Duration
	MinRemaining  int
	ErrorBackoff  time.Duration
}

// Hooks lets an instantiation react to cache traffic
type Hooks[V any] struct {
	// OnLoaded runs after a fetched or primed value enters the cache
	OnLoaded func(V)
	// OnEvict runs after a value leaves the cache for capacity
	OnEvict func(id int64, value V)
}

type request[V any] struct {
	id       int64
	force    bool
	onResult ResultFunc[V]
}

// Service is a cache in front of a bounded worker pool
type Service[V any] struct {
	opts    Options
	cache   *lru.Cache[int64, V]
	queue   *Queue[request[V]]
	fetch   Fetcher[V]
	gate    Gate
	hooks   Hooks[V]
	tracker *metrics.Tracker
	flight  singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	sleep   func(ctx context.Context, d time.Duration) error
	logLoad rate.Sometimes
}

// NewService creates a lookup service. Workers start with Start.
func NewService[V any](opts Options, fetch Fetcher[V], gate Gate, hooks Hooks[V], tracker *metrics.Tracker) *Service[V] {
	opts.Workers = min(max(opts.Workers, 1), 4)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service[V]{
		opts:    opts,
		queue:   NewQueue[request[V]](opts.QueueSize),
		fetch:   fetch,
		gate:    gate,
		hooks:   hooks,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepContext,
		logLoad: rate.Sometimes{Every: 100},
	}
	s.cache = lru.NewWithEvict[int64, V](opts.CacheSize, hooks.OnEvict)
	return s
}

// Name returns the service name used in counters and logs
func (s *Service[V]) Name() string {
	return s.opts.Name
}

// Start launches the worker pool
func (s *Service[V]) Start() {
	logrus.Infof("Starting %d %s lookup workers", s.opts.Workers, s.opts.Name)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i + 1)
	}
}

// GetOrLoad delivers the entity for id to onResult.
// A cache hit (unless force is set) calls onResult synchronously; otherwise
// the fetch is queued and onResult runs on a worker, or never when the task is
// discarded by overflow or the fetch fails.
func (s *Service[V]) GetOrLoad(id int64, force bool, onResult ResultFunc[V]) {
	if !force {
		if value, ok := s.cache.Get(id); ok {
			s.count(metrics.LookupCachedSuffix)
			onResult(value, true)
			return
		}
	}

	dropped, err := s.queue.Push(request[V]{id: id, force: force, onResult: onResult})
	if err != nil {
		logrus.Debugf("%s lookup for %d ignored: %v", s.opts.Name, id, err)
		return
	}
	s.count(metrics.LookupEnqueuedSuffix)
	if dropped {
		s.count(metrics.LookupDroppedSuffix)
	}
}

// Get returns a cached entity without loading it
func (s *Service[V]) Get(id int64) (V, bool) {
	return s.cache.Get(id)
}

// Prime stores a value obtained elsewhere, running the OnLoaded hook
func (s *Service[V]) Prime(id int64, value V) {
	s.cache.Put(id, value)
	if s.hooks.OnLoaded != nil {
		s.hooks.OnLoaded(value)
	}
}

// Len returns the number of cached entities
func (s *Service[V]) Len() int {
	return s.cache.Len()
}

// Pending returns the number of queued tasks
func (s *Service[V]) Pending() int {
	return s.queue.Size()
}

// Stop abandons queued tasks and waits for the workers (safe to call multiple times)
func (s *Service[V]) Stop() {
	s.stopOnce.Do(func() {
		logrus.Infof("Stopping %s lookup...", s.opts.Name)

		s.queue.Stop()
		s.cancel()

		workersDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(workersDone)
		}()

		select {
		case <-workersDone:
			logrus.Debugf("All %s lookup workers stopped", s.opts.Name)
		case <-time.After(5 * time.Second):
			logrus.Warnf("%s lookup workers timeout (5s) - some fetches may still be running", s.opts.Name)
		}
	})
}

// worker processes queued lookups
func (s *Service[V]) worker(id int) {
	defer s.wg.Done()

	for {
		req, ok := s.queue.Pop()
		if !ok {
			logrus.Debugf("%s lookup worker %d: queue stopped, exiting", s.opts.Name, id)
			return
		}
		s.process(req)
	}
}

// process resolves one request, re-checking the cache first
func (s *Service[V]) process(req request[V]) {
	if !req.force {
		if value, ok := s.cache.Get(req.id); ok {
			s.count(metrics.LookupCachedSuffix)
			req.onResult(value, true)
			return
		}
	}

	key := strconv.FormatInt(req.id, 10)
	result, err, shared := s.flight.Do(key, func() (any, error) {
		return s.load(req.id)
	})
	if shared {
		s.count(metrics.LookupCoalescedSuffix)
	}

	switch {
	case errors.Is(err, upstream.ErrNotFound):
		s.count(metrics.LookupAbsentSuffix)
		var zero V
		req.onResult(zero, false)
	case err != nil:
		if s.ctx.Err() != nil {
			return
		}
		s.count(metrics.LookupFailedSuffix)
		logrus.Warnf("%s lookup for %d failed: %v", s.opts.Name, req.id, err)
		_ = s.sleep(s.ctx, s.opts.ErrorBackoff)
	default:
		req.onResult(result.(V), true)
	}
}

// load fetches under the resource gate and stores the result
func (s *Service[V]) load(id int64) (V, error) {
	var value V
	err := s.gate.Do(s.ctx, s.opts.Resource, s.opts.CheckInterval, s.opts.MinRemaining, func() error {
		var fetchErr error
		value, fetchErr = s.fetch(id)
		return fetchErr
	})
	if err != nil {
		var zero V
		return zero, err
	}

	s.cache.Put(id, value)
	if s.hooks.OnLoaded != nil {
		s.hooks.OnLoaded(value)
	}
	s.count(metrics.LookupLoadedSuffix)
	s.logLoad.Do(func() {
		logrus.Infof("%s lookup: %d cached, %d queued", s.opts.Name, s.cache.Len(), s.queue.Size())
	})
	return value, nil
}

func (s *Service[V]) count(suffix string) {
	s.tracker.Inc(metrics.Lookup(s.opts.Name, suffix))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
