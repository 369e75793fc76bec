// Package graph turns posts into an in-memory graph of conversations between
// places.
package graph

import (
	"sync/atomic"
	"time"

	"github.com/alvmarrod/geoconvo/internal/lookup"
	"github.com/alvmarrod/geoconvo/internal/lru"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
	"github.com/alvmarrod/geoconvo/internal/places"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PostLoader fetches parent posts and remembers posts seen elsewhere
type PostLoader interface {
	GetOrLoad(id int64, force bool, onResult lookup.ResultFunc[*model.Post])
	Remember(post *model.Post)
}

// Options bounds the graph
type Options struct {
	MaxLinks          int
	TagBucketSize     int
	RecentPostsPerTag int
	MaxChainDepth     int
}

// Engine owns every link and tag record
type Engine struct {
	opts     Options
	resolver places.Resolver
	posts    PostLoader
	tracker  *metrics.Tracker

	seen           *lru.Cache[int64, struct{}]
	known          *lru.Cache[string, *Link]
	unknown        *lru.Cache[string, *Link]
	pendingKnown   *lru.Cache[string, *Link]
	pendingUnknown *lru.Cache[string, *Link]

	handled atomic.Int64
	logNew  rate.Sometimes
	now     func() time.Time
}

// NewEngine creates an empty graph
func NewEngine(opts Options, resolver places.Resolver, posts PostLoader, tracker *metrics.Tracker) *Engine {
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = 10000
	}
	if opts.TagBucketSize <= 0 {
		opts.TagBucketSize = 100
	}
	if opts.RecentPostsPerTag <= 0 {
		opts.RecentPostsPerTag = 20
	}
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = 50
	}

	return &Engine{
		opts:           opts,
		resolver:       resolver,
		posts:          posts,
		tracker:        tracker,
		seen:           lru.New[int64, struct{}](opts.MaxLinks),
		known:          lru.New[string, *Link](opts.MaxLinks),
		unknown:        lru.New[string, *Link](opts.MaxLinks),
		pendingKnown:   lru.New[string, *Link](opts.MaxLinks),
		pendingUnknown: lru.New[string, *Link](opts.MaxLinks),
		logNew:         rate.Sometimes{Every: 1000},
		now:            time.Now,
	}
}

// Handle processes a post arriving from the stream
func (e *Engine) Handle(post *model.Post) {
	e.handle(post, 0)
}

// handle runs the dedup gate, resolves the source and follows interactions
func (e *Engine) handle(post *model.Post, depth int) {
	if post == nil || post.ID <= 0 {
		return
	}
	if depth > e.opts.MaxChainDepth {
		e.tracker.Inc(metrics.PostsChainCapped)
		logrus.Debugf("Chain depth %d reached at post %d", depth, post.ID)
		return
	}

	// Mark seen before anything else so concurrent arrivals stop here
	if e.seen.ContainsOrAdd(post.ID, struct{}{}) {
		e.tracker.Inc(metrics.PostsDuplicate)
		return
	}

	total := e.handled.Add(1)
	e.logNew.Do(func() {
		logrus.Infof("Posts handled: %d", total)
	})
	e.tracker.Inc(metrics.PostsNew)

	source, ok := e.resolver.Resolve(post)
	if !ok {
		e.tracker.Inc(metrics.SourceLocationUnknown)
		return
	}
	e.tracker.Inc(metrics.SourceLocationKnown)

	linkTo := func(parent *model.Post, found bool) {
		if found {
			e.handleLink(post, source, parent, nil, depth)
		}
	}

	// Reply: parent is never embedded
	if id, ok := post.ReplyToID(); ok {
		e.tracker.Inc(metrics.PostsReplies)
		e.posts.GetOrLoad(id, false, linkTo)
	}

	// Retweet: a bare id is refetched so the chain behind it is current
	if post.RetweetedStatus != nil {
		e.tracker.Inc(metrics.PostsRetweets)
		e.handleLink(post, source, post.RetweetedStatus, nil, depth)
	} else if id, ok := post.RetweetID(); ok {
		e.tracker.Inc(metrics.PostsRetweets)
		e.posts.GetOrLoad(id, true, linkTo)
	}

	// Quote
	if post.QuotedStatus != nil {
		e.tracker.Inc(metrics.PostsQuotesEmbedded)
		e.handleLink(post, source, post.QuotedStatus, nil, depth)
	} else if id, ok := post.QuoteID(); ok {
		e.tracker.Inc(metrics.PostsQuotesByID)
		e.posts.GetOrLoad(id, false, linkTo)
	}
}

// handleLink records an interaction from one post to another and continues
// the chain from the target post
func (e *Engine) handleLink(from *model.Post, fromLoc *model.Location, to *model.Post, toLoc *model.Location, depth int) {
	if to == nil {
		return
	}
	if depth > 0 {
		e.tracker.Inc(metrics.PostsChained)
	}

	if fromLoc == nil {
		var ok bool
		if fromLoc, ok = e.resolver.Resolve(from); !ok {
			return
		}
	}

	if toLoc == nil {
		if found, ok := e.resolver.Resolve(to); ok {
			e.tracker.Inc(metrics.TargetLocationKnown)
			toLoc = found
		} else {
			e.tracker.Inc(metrics.TargetLocationUnknown)
			toLoc = fromLoc
		}
	} else {
		e.tracker.Inc(metrics.TargetLocationKnown)
	}

	// Keep both posts around for later references
	e.posts.Remember(from)
	e.posts.Remember(to)

	now := e.now().UnixMilli()
	link := e.GetOrCreateLink(fromLoc, toLoc)
	e.touch(link, now)

	// Assignment depends on the link's canonical order, not the call direction
	toEnd, fromEnd := link.Second, link.First
	if link.First.Location.ID == toLoc.ID {
		toEnd, fromEnd = link.First, link.Second
	}
	e.tagPost(toEnd, to, now)
	e.tagPost(fromEnd, from, now)

	e.handle(to, depth+1)
}

// GetOrCreateLink returns the single link record for a location pair
func (e *Engine) GetOrCreateLink(a, b *model.Location) *Link {
	cache, counter := e.known, metrics.LinksCreatedKnown
	if a.ID == b.ID {
		cache, counter = e.unknown, metrics.LinksCreatedUnknown
	}

	return cache.ComputeIfAbsent(LinkKey(a, b), func(string) *Link {
		e.tracker.Inc(counter)
		return newLink(a, b, e.opts.TagBucketSize, e.opts.RecentPostsPerTag)
	})
}

// touch stamps the link and marks it pending in one step
func (e *Engine) touch(link *Link, now int64) {
	link.mu.Lock()
	defer link.mu.Unlock()

	link.updatedAt.Store(now)
	link.hits.Add(1)
	e.markPendingLocked(link)
}

// MarkPending queues a link for the next edge-triggered publish
func (e *Engine) MarkPending(link *Link) {
	link.mu.Lock()
	defer link.mu.Unlock()
	e.markPendingLocked(link)
}

func (e *Engine) markPendingLocked(link *Link) {
	if link.Known() {
		e.pendingKnown.Put(link.ID, link)
	} else {
		e.pendingUnknown.Put(link.ID, link)
	}
}

// tagPost records the post's hashtags, mentions and author at an endpoint
func (e *Engine) tagPost(end *Endpoint, post *model.Post, now int64) {
	postTime := post.CreatedAt.UnixMilli()

	hashtags := make(map[string]bool)
	for _, value := range post.HashtagTexts() {
		if hashtags[value] {
			continue
		}
		hashtags[value] = true
		end.tag(HashTag, value).touch(now, post.ID, postTime)
	}

	usernames := make(map[string]bool)
	names := append(post.MentionedScreenNames(), post.ScreenName())
	for _, value := range names {
		if value == "" || usernames[value] {
			continue
		}
		usernames[value] = true
		end.tag(UserName, value).touch(now, post.ID, postTime)
	}
}

// DrainPending atomically takes the pending links, most recently touched first
func (e *Engine) DrainPending() (known, unknown []*Link) {
	return e.pendingKnown.Drain(), e.pendingUnknown.Drain()
}

// KnownLinks returns every two-location link, most recently touched first
func (e *Engine) KnownLinks() []*Link {
	return e.known.Values()
}

// UnknownLinks returns every single-location node, most recently touched first
func (e *Engine) UnknownLinks() []*Link {
	return e.unknown.Values()
}

// Link returns a link by id without touching it
func (e *Engine) Link(id string) (*Link, bool) {
	if link, ok := e.known.Peek(id); ok {
		return link, true
	}
	return e.unknown.Peek(id)
}

// Seen reports whether a post id passed the dedup gate
func (e *Engine) Seen(id int64) bool {
	return e.seen.Contains(id)
}

// Stats returns the number of seen posts and held links
func (e *Engine) Stats() (seen, known, unknown int) {
	return e.seen.Len(), e.known.Len(), e.unknown.Len()
}
