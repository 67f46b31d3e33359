package social

import (
	"context"
	"errors"
	"slices"

	"termchat/accounts"
	"termchat/models"
	"termchat/store"

	"github.com/rs/zerolog/log"
)

const Collection = "friends"

var ErrSelfFriend = errors.New("cannot add yourself as a friend")

// Graph is the symmetric friendship relation. Each login has one adjacency
// record listing its friends in the order they were added.
type Graph struct {
	store    store.Store
	accounts *accounts.Directory
}

func New(s store.Store, dir *accounts.Directory) *Graph {
	return &Graph{store: s, accounts: dir}
}

// AddFriend links login and other in both directions. Adding an existing
// friendship is a no-op. If the second side fails to persist, calling
// AddFriend again completes the edge.
func (g *Graph) AddFriend(ctx context.Context, login, other string) error {
	if login == other {
		return ErrSelfFriend
	}
	if err := g.accounts.Require(ctx, login, other); err != nil {
		return err
	}

	if err := g.link(ctx, login, other); err != nil {
		return err
	}
	if err := g.link(ctx, other, login); err != nil {
		return err
	}

	log.Debug().Str("login", login).Str("friend", other).Msg("Friendship stored")
	return nil
}

func (g *Graph) link(ctx context.Context, owner, friend string) error {
	return store.UpdateJSON(ctx, g.store, Collection, owner, func(l *models.FriendList, _ bool) (bool, error) {
		if slices.Contains(l.Logins, friend) {
			return false, nil
		}
		l.Logins = append(l.Logins, friend)
		return true, nil
	})
}

func (g *Graph) Friends(ctx context.Context, login string) ([]string, error) {
	l, err := store.GetJSON[models.FriendList](ctx, g.store, Collection, login)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Logins == nil {
		return []string{}, nil
	}
	return l.Logins, nil
}

func (g *Graph) AreFriends(ctx context.Context, a, b string) (bool, error) {
	friends, err := g.Friends(ctx, a)
	if err != nil {
		return false, err
	}
	return slices.Contains(friends, b), nil
}
