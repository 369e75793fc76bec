package graph

import (
	"sync"
	"sync/atomic"

	"github.com/alvmarrod/geoconvo/internal/lru"
	"github.com/alvmarrod/geoconvo/internal/model"
)

// TagKind distinguishes hashtags from usernames
type TagKind int

const (
	HashTag TagKind = iota
	UserName
)

// TagKinds lists every kind in rendering order
var TagKinds = []TagKind{HashTag, UserName}

func (k TagKind) String() string {
	switch k {
	case HashTag:
		return "HashTag"
	case UserName:
		return "UserName"
	default:
		return "Unknown"
	}
}

// Sigil returns the prefix used when rendering a value of this kind
func (k TagKind) Sigil() string {
	if k == HashTag {
		return "#"
	}
	return "@"
}

// TagKey builds a tag id from its kind and value
func TagKey(kind TagKind, value string) string {
	return kind.String() + "|" + value
}

// PostRef is one supporting post of a tag
type PostRef struct {
	ID   int64
	Time int64 // post creation, unix ms
}

// Tag is a hashtag or username seen at one link endpoint
type Tag struct {
	ID    string
	Kind  TagKind
	Value string

	updatedAt atomic.Int64
	hits      atomic.Int64
	recent    *lru.Cache[int64, int64]
}

func newTag(kind TagKind, value string, recentPosts int) *Tag {
	return &Tag{
		ID:     TagKey(kind, value),
		Kind:   kind,
		Value:  value,
		recent: lru.New[int64, int64](recentPosts),
	}
}

// UpdatedAt returns the last touch time in unix ms
func (t *Tag) UpdatedAt() int64 { return t.updatedAt.Load() }

// Hits returns the number of touches
func (t *Tag) Hits() int64 { return t.hits.Load() }

// RecentPosts returns the supporting posts, most recently touched first
func (t *Tag) RecentPosts() []PostRef {
	var refs []PostRef
	t.recent.Range(func(id, ts int64) bool {
		refs = append(refs, PostRef{ID: id, Time: ts})
		return true
	})
	return refs
}

// RecentLen returns the number of supporting posts held
func (t *Tag) RecentLen() int {
	return t.recent.Len()
}

func (t *Tag) touch(now int64, postID, postTime int64) {
	t.updatedAt.Store(now)
	t.hits.Add(1)
	t.recent.Put(postID, postTime)
}

// Endpoint is one side of a link: a location and its tag buckets
type Endpoint struct {
	Location *model.Location

	mu          sync.Mutex
	buckets     map[TagKind]*lru.Cache[string, *Tag]
	bucketSize  int
	recentPosts int
}

func newEndpoint(loc *model.Location, bucketSize, recentPosts int) *Endpoint {
	return &Endpoint{
		Location:    loc,
		buckets:     make(map[TagKind]*lru.Cache[string, *Tag], len(TagKinds)),
		bucketSize:  bucketSize,
		recentPosts: recentPosts,
	}
}

// bucket returns the kind's bucket, creating it exactly once
func (e *Endpoint) bucket(kind TagKind) *lru.Cache[string, *Tag] {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.buckets[kind]
	if !ok {
		b = lru.New[string, *Tag](e.bucketSize)
		e.buckets[kind] = b
	}
	return b
}

// tag gets or creates the tag for a value
func (e *Endpoint) tag(kind TagKind, value string) *Tag {
	return e.bucket(kind).ComputeIfAbsent(TagKey(kind, value), func(string) *Tag {
		return newTag(kind, value, e.recentPosts)
	})
}

// Tags returns the endpoint's tags of a kind, most recently touched first
func (e *Endpoint) Tags(kind TagKind) []*Tag {
	e.mu.Lock()
	b, ok := e.buckets[kind]
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return b.Values()
}

// Tag returns a tag without touching it
func (e *Endpoint) Tag(kind TagKind, value string) (*Tag, bool) {
	e.mu.Lock()
	b, ok := e.buckets[kind]
	e.mu.Unlock()

	if !ok {
		return nil, false
	}
	return b.Peek(TagKey(kind, value))
}

// Link is an undirected conversation between two locations, or a single
// location node when both are the same
type Link struct {
	ID     string
	First  *Endpoint
	Second *Endpoint

	// mu serializes compound updates: touch+pending and publish stamping
	mu          sync.Mutex
	updatedAt   atomic.Int64
	publishedAt atomic.Int64
	hits        atomic.Int64
}

// LinkKey builds the order-independent id of the link between a and b
func LinkKey(a, b *model.Location) string {
	if a.ID > b.ID {
		a, b = b, a
	}
	return a.ID + "|" + b.ID
}

func newLink(a, b *model.Location, bucketSize, recentPosts int) *Link {
	if a.ID > b.ID {
		a, b = b, a
	}
	return &Link{
		ID:     LinkKey(a, b),
		First:  newEndpoint(a, bucketSize, recentPosts),
		Second: newEndpoint(b, bucketSize, recentPosts),
	}
}

// Known reports whether the link joins two distinct locations
func (l *Link) Known() bool {
	return l.First.Location.ID != l.Second.Location.ID
}

// UpdatedAt returns the last touch time in unix ms
func (l *Link) UpdatedAt() int64 { return l.updatedAt.Load() }

// PublishedAt returns the last edge-triggered publish time in unix ms
func (l *Link) PublishedAt() int64 { return l.publishedAt.Load() }

// Hits returns the number of interactions recorded
func (l *Link) Hits() int64 { return l.hits.Load() }

// Endpoints returns both endpoints, first then second
func (l *Link) Endpoints() []*Endpoint {
	return []*Endpoint{l.First, l.Second}
}

// StampPublished records a publish time
func (l *Link) StampPublished(now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishedAt.Store(now)
}
