package news

import (
	"context"

	"termchat/accounts"
	"termchat/models"
	"termchat/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	Collection = "news"
	feedKey    = "global"

	DefaultMaxRecent = 100
)

// Feed is the single global timeline.
type Feed struct {
	store     store.Store
	accounts  *accounts.Directory
	maxRecent int
}

func New(s store.Store, dir *accounts.Directory, maxRecent int) *Feed {
	if maxRecent <= 0 {
		maxRecent = DefaultMaxRecent
	}
	return &Feed{store: s, accounts: dir, maxRecent: maxRecent}
}

func (f *Feed) Post(ctx context.Context, author, body string) (models.NewsPost, error) {
	if err := f.accounts.Require(ctx, author); err != nil {
		return models.NewsPost{}, err
	}

	p := models.NewsPost{ID: uuid.New().String(), Author: author, Body: body}
	e, err := store.AppendJSON(ctx, f.store, Collection, feedKey, &p)
	if err != nil {
		return models.NewsPost{}, err
	}
	p.Seq = e.Seq
	p.Timestamp = e.Time

	log.Info().Str("author", author).Int64("seq", p.Seq).Msg("News posted")
	return p, nil
}

// Recent returns the newest posts, at most limit of them, oldest first so a
// terminal can print them top to bottom. limit is capped at the configured
// maximum; limit <= 0 yields nothing.
func (f *Feed) Recent(ctx context.Context, limit int) ([]models.NewsPost, error) {
	limit = min(limit, f.maxRecent)
	entries, err := f.store.Latest(ctx, Collection, feedKey, limit)
	if err != nil {
		return nil, err
	}

	posts := make([]models.NewsPost, 0, len(entries))
	for _, e := range entries {
		p, err := store.DecodeEntry[models.NewsPost](Collection, feedKey, e)
		if err != nil {
			return nil, err
		}
		p.Seq = e.Seq
		p.Timestamp = e.Time
		posts = append(posts, p)
	}
	return posts, nil
}
