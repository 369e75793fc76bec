package lookup

import (
	"strings"

	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/lru"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
)

// UserFetcher loads users by id
type UserFetcher interface {
	GetUser(id int64) (*model.User, error)
}

// Authors is the author lookup service plus a screen-name index.
// The index only holds users that are still in the by-id cache.
type Authors struct {
	*Service[*model.User]
	byName *lru.Cache[string, *model.User]
}

// NewAuthors creates the author lookup service
func NewAuthors(opts Options, fetcher UserFetcher, gate Gate, tracker *metrics.Tracker) *Authors {
	if opts.Name == "" {
		opts.Name = "authors"
	}
	if opts.Resource == (governor.Resource{}) {
		opts.Resource = governor.UserShow
	}

	a := &Authors{
		byName: lru.New[string, *model.User](opts.CacheSize),
	}
	a.Service = NewService[*model.User](opts, fetcher.GetUser, gate, Hooks[*model.User]{
		OnLoaded: a.index,
		OnEvict:  a.unindex,
	}, tracker)
	return a
}

// Register caches users delivered embedded in other payloads
func (a *Authors) Register(users ...*model.User) {
	for _, user := range users {
		if user == nil || user.ID <= 0 {
			continue
		}
		a.Prime(user.ID, user)
	}
}

// ByScreenName returns a cached user by screen name, with or without a leading '@'
func (a *Authors) ByScreenName(name string) (*model.User, bool) {
	key := nameKey(name)
	if key == "" {
		return nil, false
	}
	return a.byName.Get(key)
}

func (a *Authors) index(user *model.User) {
	if user == nil {
		return
	}
	if key := nameKey(user.ScreenName); key != "" {
		a.byName.Put(key, user)
	}
}

// unindex drops the name entry of an evicted user unless the name now
// belongs to another cached user
func (a *Authors) unindex(id int64, user *model.User) {
	if user == nil {
		return
	}
	key := nameKey(user.ScreenName)
	if current, ok := a.byName.Peek(key); ok && current.ID == id {
		a.byName.Remove(key)
	}
}

// nameKey folds case since screen names are case-insensitive
func nameKey(name string) string {
	return strings.ToLower(model.NormalizeScreenName(name))
}
