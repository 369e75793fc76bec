package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	mu      sync.Mutex
	budget  Budget
	found   bool
	err     error
	queries map[string]int
}

func newFakeStatus(budget Budget) *fakeStatus {
	return &fakeStatus{budget: budget, found: true, queries: make(map[string]int)}
}

func (f *fakeStatus) RateLimitStatus(group, endpoint string) (Budget, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[group+endpoint]++
	return f.budget, f.found, f.err
}

func (f *fakeStatus) count(res Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[res.String()]
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestGovernor(status StatusSource) (*Governor, *fakeClock, *metrics.Tracker) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tracker := metrics.NewTracker()
	g := New(status, tracker)
	g.now = clock.Now
	g.sleep = clock.Sleep
	return g, clock, tracker
}

func TestCheckBudget_BlocksUntilReset(t *testing.T) {
	status := newFakeStatus(Budget{Limit: 900, Remaining: 5, SecondsUntilReset: 60})
	g, clock, tracker := newTestGovernor(status)

	require.NoError(t, g.CheckBudget(context.Background(), StatusShow, 10*time.Second, 10))

	assert.Equal(t, []time.Duration{65 * time.Second}, clock.slept)
	assert.Equal(t, int64(1), tracker.Count(metrics.GovernorWaits))
}

func TestCheckBudget_EnoughRemaining(t *testing.T) {
	status := newFakeStatus(Budget{Limit: 900, Remaining: 10, SecondsUntilReset: 60})
	g, clock, _ := newTestGovernor(status)

	require.NoError(t, g.CheckBudget(context.Background(), StatusShow, 10*time.Second, 10))
	assert.Empty(t, clock.slept)
}

func TestCheckBudget_Interval(t *testing.T) {
	status := newFakeStatus(Budget{Limit: 900, Remaining: 500})
	g, clock, _ := newTestGovernor(status)
	ctx := context.Background()

	require.NoError(t, g.CheckBudget(ctx, StatusShow, 10*time.Second, 10))
	clock.Advance(5 * time.Second)
	require.NoError(t, g.CheckBudget(ctx, StatusShow, 10*time.Second, 10))
	assert.Equal(t, 1, status.count(StatusShow), "second check is inside the interval")

	clock.Advance(6 * time.Second)
	require.NoError(t, g.CheckBudget(ctx, StatusShow, 10*time.Second, 10))
	assert.Equal(t, 2, status.count(StatusShow))

	t.Run("zero interval checks every time", func(t *testing.T) {
		require.NoError(t, g.CheckBudget(ctx, TrendsPlace, 0, 1))
		require.NoError(t, g.CheckBudget(ctx, TrendsPlace, 0, 1))
		assert.Equal(t, 2, status.count(TrendsPlace))
	})
}

func TestCheckBudget_ResourcesAreIndependent(t *testing.T) {
	status := newFakeStatus(Budget{Limit: 900, Remaining: 500})
	g, _, _ := newTestGovernor(status)
	ctx := context.Background()

	require.NoError(t, g.CheckBudget(ctx, StatusShow, time.Minute, 10))
	require.NoError(t, g.CheckBudget(ctx, UserShow, time.Minute, 10))

	assert.Equal(t, 1, status.count(StatusShow))
	assert.Equal(t, 1, status.count(UserShow))
}

func TestCheckBudget_StatusFailureProceeds(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		status := newFakeStatus(Budget{})
		status.err = errors.New("boom")
		g, clock, _ := newTestGovernor(status)

		assert.NoError(t, g.CheckBudget(context.Background(), StatusShow, 0, 10))
		assert.Empty(t, clock.slept)
	})

	t.Run("unknown resource", func(t *testing.T) {
		status := newFakeStatus(Budget{})
		status.found = false
		g, clock, _ := newTestGovernor(status)

		assert.NoError(t, g.CheckBudget(context.Background(), StatusShow, 0, 10))
		assert.Empty(t, clock.slept)
	})
}

func TestDo_ContendingCallersQueue(t *testing.T) {
	status := newFakeStatus(Budget{Limit: 900, Remaining: 0, SecondsUntilReset: 1})
	g, clock, _ := newTestGovernor(status)

	var running, maxRunning atomic.Int32
	var calls atomic.Int32
	fn := func() error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		calls.Add(1)
		running.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Do(context.Background(), StatusShow, time.Hour, 10, fn))
		}()
	}

	wg.Wait()

	// Exactly one caller queried and blocked, the rest waited on the lock
	assert.Equal(t, []time.Duration{6 * time.Second}, clock.slept)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, 1, status.count(StatusShow))
}

func TestDo_PropagatesFnError(t *testing.T) {
	g, _, _ := newTestGovernor(newFakeStatus(Budget{Remaining: 100}))
	want := errors.New("fetch failed")

	err := g.Do(context.Background(), UserShow, 0, 1, func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestWithResourceLock(t *testing.T) {
	g, _, _ := newTestGovernor(newFakeStatus(Budget{}))

	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.WithResourceLock(StatusShow, func() error {
				assert.Equal(t, int32(1), inside.Add(1))
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), 0))
}
