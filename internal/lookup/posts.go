package lookup

import (
	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
)

// PostFetcher loads posts by id
type PostFetcher interface {
	GetPost(id int64) (*model.Post, error)
}

// Posts is the post lookup service. Every post entering its cache registers
// its embedded authors with the author lookup.
type Posts struct {
	*Service[*model.Post]
	authors *Authors
}

// NewPosts creates the post lookup service
func NewPosts(opts Options, fetcher PostFetcher, gate Gate, authors *Authors, tracker *metrics.Tracker) *Posts {
	if opts.Name == "" {
		opts.Name = "posts"
	}
	if opts.Resource == (governor.Resource{}) {
		opts.Resource = governor.StatusShow
	}

	p := &Posts{authors: authors}
	p.Service = NewService[*model.Post](opts, fetcher.GetPost, gate, Hooks[*model.Post]{
		OnLoaded: p.registerAuthors,
	}, tracker)
	return p
}

// Remember primes the cache with a post seen elsewhere (stream or embedded)
func (p *Posts) Remember(post *model.Post) {
	if post == nil || post.ID <= 0 {
		return
	}
	p.Prime(post.ID, post)
}

func (p *Posts) registerAuthors(post *model.Post) {
	if post == nil || p.authors == nil {
		return
	}
	p.authors.Register(post.Users()...)
}
