// Package publisher renders the conversation graph as GeoJSON feature
// collections and pushes them to clients.
package publisher

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/alvmarrod/geoconvo/internal/graph"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
	"github.com/sirupsen/logrus"
)

// Transport delivers feature collections to subscribers
type Transport interface {
	Publish(topic string, fc *FeatureCollection) error
	PublishToClient(clientID string, fc *FeatureCollection) error
}

// LinkSource is the read side of the graph engine
type LinkSource interface {
	DrainPending() (known, unknown []*graph.Link)
	MarkPending(link *graph.Link)
	KnownLinks() []*graph.Link
	UnknownLinks() []*graph.Link
}

// AuthorDirectory resolves screen names to cached authors
type AuthorDirectory interface {
	ByScreenName(name string) (*model.User, bool)
}

// Options configures snapshot limits and the periodic schedule
type Options struct {
	Interval               time.Duration
	MaxAgeMs               int64
	MaxLinksPerType        int
	StartupMaxAgeMs        int64
	StartupMaxLinksPerType int
	MaxEntitiesPerEnd      int
	MaxPostsPerLink        int
	ProfileURLPrefix       string
	Topic                  string
}

// Publisher builds snapshots of the graph
type Publisher struct {
	opts      Options
	links     LinkSource
	authors   AuthorDirectory
	transport Transport
	tracker   *metrics.Tracker
	now       func() time.Time
}

// New creates a publisher. authors may be nil, in which case media lists stay empty.
func New(opts Options, links LinkSource, authors AuthorDirectory, transport Transport, tracker *metrics.Tracker) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxEntitiesPerEnd <= 0 {
		opts.MaxEntitiesPerEnd = 50
	}
	if opts.MaxPostsPerLink <= 0 {
		opts.MaxPostsPerLink = 100
	}
	if opts.ProfileURLPrefix == "" {
		opts.ProfileURLPrefix = "https://twitter.com/"
	}
	if opts.Topic == "" {
		opts.Topic = "/topic/updates"
	}

	return &Publisher{
		opts:      opts,
		links:     links,
		authors:   authors,
		transport: transport,
		tracker:   tracker,
		now:       time.Now,
	}
}

// BuildSnapshot renders the graph. With maxAgeMs == 0 it drains the pending
// links and stamps them published; otherwise it reads every link updated in
// the last maxAgeMs without mutating anything. Limits count links (0 = no
// limit).
func (p *Publisher) BuildSnapshot(maxAgeMs int64, maxKnown, maxUnknown int) *FeatureCollection {
	if maxAgeMs == 0 {
		return p.drainSnapshot(maxKnown, maxUnknown)
	}
	return p.windowSnapshot(maxAgeMs, maxKnown, maxUnknown)
}

// drainSnapshot publishes pending links, re-marking any beyond the limits
func (p *Publisher) drainSnapshot(maxKnown, maxUnknown int) *FeatureCollection {
	fc := NewFeatureCollection()
	now := p.now().UnixMilli()
	known, unknown := p.links.DrainPending()

	emit := func(links []*graph.Link, limit int, render func(*graph.Link)) {
		for i, link := range links {
			if limit > 0 && i >= limit {
				for _, rest := range links[i:] {
					p.links.MarkPending(rest)
				}
				return
			}
			link.StampPublished(now)
			render(link)
		}
	}

	emit(known, maxKnown, func(link *graph.Link) { p.appendKnown(fc, link) })
	emit(unknown, maxUnknown, func(link *graph.Link) { p.appendUnknown(fc, link) })
	return fc
}

// windowSnapshot publishes links updated within the window, newest first.
// maxAgeMs < 0 disables the age filter.
func (p *Publisher) windowSnapshot(maxAgeMs int64, maxKnown, maxUnknown int) *FeatureCollection {
	fc := NewFeatureCollection()
	minUpdated := p.now().UnixMilli() - maxAgeMs

	emit := func(links []*graph.Link, limit int, render func(*graph.Link)) {
		emitted := 0
		for _, link := range links {
			if limit > 0 && emitted >= limit {
				return
			}
			if maxAgeMs > 0 && link.UpdatedAt() <= minUpdated {
				continue
			}
			render(link)
			emitted++
		}
	}

	emit(p.links.KnownLinks(), maxKnown, func(link *graph.Link) { p.appendKnown(fc, link) })
	emit(p.links.UnknownLinks(), maxUnknown, func(link *graph.Link) { p.appendUnknown(fc, link) })
	return fc
}

// appendKnown adds the line and both end points of a two-location link
func (p *Publisher) appendKnown(fc *FeatureCollection, link *graph.Link) {
	first, second := position(link.First), position(link.Second)

	fc.Features = append(fc.Features,
		&Feature{
			ID:         link.ID + "|link",
			Type:       "Feature",
			Geometry:   LineGeometry(first, second),
			Properties: p.properties(KindLink, link, link.First, link.Second),
		},
		&Feature{
			ID:         link.ID + "|first",
			Type:       "Feature",
			Geometry:   PointGeometry(first),
			Properties: p.properties(KindEnd, link, link.First),
		},
		&Feature{
			ID:         link.ID + "|second",
			Type:       "Feature",
			Geometry:   PointGeometry(second),
			Properties: p.properties(KindEnd, link, link.Second),
		},
	)
	p.tracker.Inc(metrics.PublisherLinks)
	p.tracker.Add(metrics.PublisherEnds, 2)
}

// appendUnknown adds the point of a single-location node
func (p *Publisher) appendUnknown(fc *FeatureCollection, link *graph.Link) {
	fc.Features = append(fc.Features, &Feature{
		ID:         link.ID + "|point",
		Type:       "Feature",
		Geometry:   PointGeometry(position(link.First)),
		Properties: p.properties(KindPoint, link, link.First, link.Second),
	})
	p.tracker.Inc(metrics.PublisherPoints)
}

func position(end *graph.Endpoint) Position {
	return Position{end.Location.Longitude, end.Location.Latitude}
}

// properties aggregates the tag buckets of the given endpoints
func (p *Publisher) properties(kind string, link *graph.Link, ends ...*graph.Endpoint) Properties {
	props := Properties{
		Type:      kind,
		Hits:      link.Hits(),
		Updated:   link.UpdatedAt(),
		Hashtags:  []string{},
		Usernames: []string{},
		Tweets:    []string{},
		Media:     []Media{},
		Places:    []string{},
	}

	var refs []graph.PostRef
	for _, end := range ends {
		for _, tagKind := range graph.TagKinds {
			tags := end.Tags(tagKind)
			for i, tag := range tags {
				if i < p.opts.MaxEntitiesPerEnd {
					value := tagKind.Sigil() + tag.Value
					if tagKind == graph.HashTag {
						props.Hashtags = append(props.Hashtags, value)
					} else {
						props.Usernames = append(props.Usernames, value)
					}
				}
				refs = append(refs, tag.RecentPosts()...)
			}
		}
		props.Places = append(props.Places, end.Location.Name)
	}

	props.Hashtags = sortedSet(props.Hashtags)
	props.Usernames = sortedSet(props.Usernames)
	props.Places = sortedSet(props.Places)
	props.Tweets = p.tweets(refs)
	props.Media = p.media(props.Usernames)
	return props
}

// tweets returns distinct post ids, newest post first
func (p *Publisher) tweets(refs []graph.PostRef) []string {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Time > refs[j].Time
	})

	ids := make([]string, 0, min(len(refs), p.opts.MaxPostsPerLink))
	seen := make(map[int64]bool, len(refs))
	for _, ref := range refs {
		if len(ids) >= p.opts.MaxPostsPerLink {
			break
		}
		if seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		ids = append(ids, strconv.FormatInt(ref.ID, 10))
	}
	return ids
}

// media resolves usernames through the author cache, skipping unknown ones
func (p *Publisher) media(usernames []string) []Media {
	media := []Media{}
	if p.authors == nil {
		return media
	}
	for _, name := range usernames {
		user, ok := p.authors.ByScreenName(name)
		if !ok {
			continue
		}
		media = append(media, Media{
			user.ProfileImageURL,
			p.opts.ProfileURLPrefix + user.ScreenName,
			"@" + user.ScreenName,
		})
	}
	return media
}

func sortedSet(values []string) []string {
	slices.Sort(values)
	return slices.Compact(values)
}

// Publish sends the periodic snapshot when it has anything to say
func (p *Publisher) Publish() {
	fc := p.BuildSnapshot(p.opts.MaxAgeMs, p.opts.MaxLinksPerType, p.opts.MaxLinksPerType)
	if fc.Empty() {
		return
	}

	p.tracker.Inc(metrics.PublisherMessages)
	logrus.Debugf("Publishing %d features", len(fc.Features))
	if err := p.transport.Publish(p.opts.Topic, fc); err != nil {
		logrus.Warnf("Failed to publish update: %v", err)
	}
}

// HandleStartup sends a newly connected client the recent state of the graph.
// It never drains or stamps links.
func (p *Publisher) HandleStartup(clientID string) {
	maxAge := p.opts.StartupMaxAgeMs
	if maxAge == 0 {
		maxAge = -1
	}
	fc := p.windowSnapshot(maxAge, p.opts.StartupMaxLinksPerType, p.opts.StartupMaxLinksPerType)

	logrus.Debugf("Sending %d startup features to client %s", len(fc.Features), clientID)
	if err := p.transport.PublishToClient(clientID, fc); err != nil {
		logrus.Warnf("Failed to send startup snapshot to %s: %v", clientID, err)
	}
}

// Run publishes on every interval until ctx is done
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	logrus.Infof("Publisher started (interval=%s, topic=%s)", p.opts.Interval, p.opts.Topic)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Publisher stopped")
			return nil
		case <-ticker.C:
			p.Publish()
		}
	}
}
