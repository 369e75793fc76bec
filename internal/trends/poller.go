// Package trends polls the upstream trending topics and ranks them into the
// keywords tracked by the filter stream.
package trends

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/upstream"
	"github.com/sirupsen/logrus"
)

var g20CountryCodes = map[string]bool{
	"AR": true, "AU": true, "BR": true, "CA": true, "FR": true, "DE": true,
	"IN": true, "ID": true, "IT": true, "JP": true, "MX": true, "RU": true,
	"SA": true, "ZA": true, "KR": true, "TR": true, "GB": true, "US": true,
}

var largestUSCities = map[string]bool{
	"New York": true, "Los Angeles": true, "Chicago": true, "Houston": true,
	"Philadelphia": true, "Phoenix": true, "San Antonio": true, "San Diego": true,
	"Dallas": true, "San Jose": true,
}

// API is the part of the upstream client the poller uses
type API interface {
	AvailableTrends() ([]upstream.TrendPlace, error)
	PlaceTrends(woeid int64) ([]upstream.Trend, error)
}

// Gate is the part of the governor the poller uses
type Gate interface {
	Do(ctx context.Context, res governor.Resource, interval time.Duration, minRemaining int, fn func() error) error
	CheckBudget(ctx context.Context, res governor.Resource, interval time.Duration, minRemaining int) error
}

// Options configures the poll schedule and limits
type Options struct {
	Interval  time.Duration
	MaxPlaces int
	MaxTerms  int
}

// Term is a ranked trending term
type Term struct {
	Name   string
	Weight int64
}

// Poller keeps the current ranked terms
type Poller struct {
	opts    Options
	api     API
	gate    Gate
	tracker *metrics.Tracker

	mu       sync.RWMutex
	terms    []Term
	onChange func(terms []string)
}

// New creates a poller
func New(opts Options, api API, gate Gate, tracker *metrics.Tracker) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.MaxPlaces <= 0 {
		opts.MaxPlaces = 10
	}
	if opts.MaxTerms <= 0 {
		opts.MaxTerms = 50
	}
	return &Poller{opts: opts, api: api, gate: gate, tracker: tracker}
}

// OnChange registers a callback run whenever the ranked terms change
func (p *Poller) OnChange(fn func(terms []string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Terms returns the current term names, highest weight first
func (p *Poller) Terms() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.terms))
	for _, t := range p.terms {
		names = append(names, t.Name)
	}
	return names
}

// Ranked returns the current terms with their weights
func (p *Poller) Ranked() []Term {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.terms)
}

// Run polls immediately and then on every interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Warnf("Trends poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			logrus.Info("Trends poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches and ranks trends once. An empty result keeps the previous terms.
func (p *Poller) Poll(ctx context.Context) error {
	p.tracker.Inc(metrics.TrendsPolls)

	var ranked []Term
	err := p.gate.Do(ctx, governor.TrendsAvailable, 0, 1, func() error {
		p.tracker.Inc(metrics.TrendsPlaceRequests)
		available, err := p.api.AvailableTrends()
		if err != nil {
			return fmt.Errorf("failed to list trend places: %w", err)
		}

		places := SelectPlaces(available, p.opts.MaxPlaces)
		logrus.Infof("Polling trends for %d places", len(places))
		if len(places) == 0 {
			return nil
		}

		if err := p.gate.CheckBudget(ctx, governor.TrendsPlace, 0, len(places)); err != nil {
			return err
		}

		weights := make(map[string]int64)
		for _, place := range places {
			p.tracker.Inc(metrics.TrendsTrendRequests)
			trends, err := p.api.PlaceTrends(place.WOEID)
			if err != nil {
				logrus.Warnf("Failed to fetch trends for %s: %v", place.Name, err)
				continue
			}

			weight := PlaceWeight(place)
			for _, trend := range trends {
				if trend.Name != "" {
					weights[trend.Name] += weight
				}
			}
		}
		ranked = Rank(weights, p.opts.MaxTerms)
		return nil
	})
	if err != nil {
		return err
	}
	if len(ranked) == 0 {
		return nil
	}

	p.mu.Lock()
	changed := !slices.Equal(p.terms, ranked)
	p.terms = ranked
	onChange := p.onChange
	p.mu.Unlock()

	logrus.Infof("Tracking %d trending terms", len(ranked))
	if changed && onChange != nil {
		onChange(p.Terms())
	}
	return nil
}

func isRegion(place upstream.TrendPlace) bool {
	return strings.EqualFold(place.PlaceType.Name, "supername") ||
		strings.EqualFold(place.PlaceType.Name, "country")
}

// SelectPlaces keeps world, country and largest US city places, broadest
// place type first, and takes at most limit
func SelectPlaces(available []upstream.TrendPlace, limit int) []upstream.TrendPlace {
	var places []upstream.TrendPlace
	for _, place := range available {
		if isRegion(place) || largestUSCities[place.Name] {
			places = append(places, place)
		}
	}

	sort.SliceStable(places, func(i, j int) bool {
		return places[i].PlaceType.Code > places[j].PlaceType.Code
	})
	if limit > 0 && len(places) > limit {
		places = places[:limit]
	}
	return places
}

// PlaceWeight is the score each trend of a place contributes
func PlaceWeight(place upstream.TrendPlace) int64 {
	multiplier := int64(1)
	if g20CountryCodes[place.CountryCode] {
		multiplier = 2
		if largestUSCities[place.Name] {
			multiplier = 3
		}
	}

	if isRegion(place) {
		return 100 * multiplier
	}
	return multiplier
}

// Rank orders terms by weight, then name, and takes at most limit
func Rank(weights map[string]int64, limit int) []Term {
	terms := make([]Term, 0, len(weights))
	for name, weight := range weights {
		terms = append(terms, Term{Name: name, Weight: weight})
	}

	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Weight != terms[j].Weight {
			return terms[i].Weight > terms[j].Weight
		}
		return terms[i].Name < terms[j].Name
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
