// Package governor serializes access to upstream API resources and blocks
// callers while a resource's rate budget is exhausted.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/sirupsen/logrus"
)

// resetMargin is added to every reset wait
const resetMargin = 5 * time.Second

// Budget is the rate-limit state of one upstream resource
type Budget struct {
	Limit             int
	Remaining         int
	SecondsUntilReset int
}

// StatusSource reports the current budget of a resource.
// found is false when the upstream does not know the resource.
type StatusSource interface {
	RateLimitStatus(group, endpoint string) (budget Budget, found bool, err error)
}

// Resource names an upstream API endpoint with its own budget and lock
type Resource struct {
	Group    string
	Endpoint string
}

func (r Resource) String() string {
	return r.Group + r.Endpoint
}

// Well-known resources used by the lookup services and the trends poller
var (
	StatusShow      = Resource{Group: "statuses", Endpoint: "/statuses/show/:id"}
	UserShow        = Resource{Group: "users", Endpoint: "/users/show/:id"}
	TrendsAvailable = Resource{Group: "trends", Endpoint: "/trends/available"}
	TrendsPlace     = Resource{Group: "trends", Endpoint: "/trends/place"}
)

type resourceState struct {
	mu        sync.Mutex
	lastCheck time.Time
}

// Governor tracks a lock and a last-checked time per resource
type Governor struct {
	mu        sync.Mutex
	resources map[Resource]*resourceState
	status    StatusSource
	tracker   *metrics.Tracker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a governor querying budgets from status
func New(status StatusSource, tracker *metrics.Tracker) *Governor {
	return &Governor{
		resources: make(map[Resource]*resourceState),
		status:    status,
		tracker:   tracker,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// state returns the resource's state, creating it exactly once
func (g *Governor) state(res Resource) *resourceState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.resources[res]
	if !ok {
		st = &resourceState{}
		g.resources[res] = st
	}
	return st
}

// WithResourceLock runs fn while holding the resource's lock
func (g *Governor) WithResourceLock(res Resource, fn func() error) error {
	st := g.state(res)
	st.mu.Lock()
	defer st.mu.Unlock()
	return fn()
}

// CheckBudget acquires the resource lock and runs the budget check
func (g *Governor) CheckBudget(ctx context.Context, res Resource, interval time.Duration, minRemaining int) error {
	st := g.state(res)
	st.mu.Lock()
	defer st.mu.Unlock()
	return g.checkLocked(ctx, res, st, interval, minRemaining)
}

// Do holds the resource lock across the budget check and fn, so contending
// callers queue behind a blocked one instead of checking independently.
func (g *Governor) Do(ctx context.Context, res Resource, interval time.Duration, minRemaining int, fn func() error) error {
	st := g.state(res)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := g.checkLocked(ctx, res, st, interval, minRemaining); err != nil {
		return err
	}
	return fn()
}

// checkLocked queries the status endpoint at most once per interval and
// sleeps until the window resets when the remaining budget is too low.
// Only a cancelled context is reported as an error.
func (g *Governor) checkLocked(ctx context.Context, res Resource, st *resourceState, interval time.Duration, minRemaining int) error {
	now := g.now()
	if !st.lastCheck.IsZero() && now.Sub(st.lastCheck) < interval {
		return nil
	}
	st.lastCheck = now
	g.tracker.Inc(metrics.GovernorChecks)

	budget, found, err := g.status.RateLimitStatus(res.Group, res.Endpoint)
	if err != nil {
		logrus.Warnf("Rate limit status for %s unavailable: %v", res, err)
		return nil
	}
	if !found {
		logrus.Debugf("No rate limit status for %s", res)
		return nil
	}
	if budget.Remaining >= minRemaining {
		return nil
	}

	wait := time.Duration(budget.SecondsUntilReset)*time.Second + resetMargin
	g.tracker.Inc(metrics.GovernorWaits)
	logrus.Infof("Rate limit for %s low (%d/%d remaining), waiting %s", res, budget.Remaining, budget.Limit, wait)

	if err := g.sleep(ctx, wait); err != nil {
		return err
	}

	logrus.Infof("Rate limit wait for %s finished", res)
	return nil
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
