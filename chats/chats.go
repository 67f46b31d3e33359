// Package chats stores one append-only thread per unordered pair of logins.
package chats

import (
	"context"
	"errors"
	"slices"
	"strings"

	"termchat/accounts"
	"termchat/models"
	"termchat/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	Collection      = "threads"
	IndexCollection = "chat_index"

	// separator is a control character, which accounts.ValidateLogin
	// never lets into a login.
	separator = "\x1f"
)

var ErrNoConversation = errors.New("no conversation")

// CanonicalKey addresses the thread of a and b regardless of argument order.
func CanonicalKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + separator + b
}

// SplitKey is the inverse of CanonicalKey.
func SplitKey(key string) (a, b string, ok bool) {
	return strings.Cut(key, separator)
}

type Store struct {
	store    store.Store
	accounts *accounts.Directory
}

func New(s store.Store, dir *accounts.Directory) *Store {
	return &Store{store: s, accounts: dir}
}

// Thread returns the whole history of login and partner, oldest first, or
// ErrNoConversation if they never exchanged a message.
func (c *Store) Thread(ctx context.Context, login, partner string) ([]models.Message, error) {
	return c.ThreadPage(ctx, login, partner, 0, 0)
}

// ThreadPage returns up to limit messages starting at offset. limit <= 0
// means no limit.
func (c *Store) ThreadPage(ctx context.Context, login, partner string, offset, limit int) ([]models.Message, error) {
	key := CanonicalKey(login, partner)
	entries, err := c.store.Entries(ctx, Collection, key, offset, limit)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		// an empty page past the end of a real thread is not "no conversation"
		if offset > 0 {
			exists, err := c.exists(ctx, key)
			if err != nil {
				return nil, err
			}
			if exists {
				return []models.Message{}, nil
			}
		}
		return nil, ErrNoConversation
	}

	messages := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		m, err := store.DecodeEntry[models.Message](Collection, key, e)
		if err != nil {
			return nil, err
		}
		m.Seq = e.Seq
		m.Timestamp = e.Time
		messages = append(messages, m)
	}
	return messages, nil
}

func (c *Store) exists(ctx context.Context, key string) (bool, error) {
	first, err := c.store.Entries(ctx, Collection, key, 0, 1)
	if err != nil {
		return false, err
	}
	return len(first) > 0, nil
}

func (c *Store) SendMessage(ctx context.Context, from, to, body string) (models.Message, error) {
	return c.append(ctx, from, to, models.Message{Kind: models.KindText, Body: body})
}

// SendFileReference records that a file has already been delivered from
// from to to. ref identifies where the delivered copy lives.
func (c *Store) SendFileReference(ctx context.Context, from, to, ref string) (models.Message, error) {
	return c.append(ctx, from, to, models.Message{Kind: models.KindFile, FileRef: ref})
}

func (c *Store) append(ctx context.Context, from, to string, m models.Message) (models.Message, error) {
	if err := c.accounts.Require(ctx, from, to); err != nil {
		return models.Message{}, err
	}

	m.ID = uuid.New().String()
	m.Sender = from

	key := CanonicalKey(from, to)

	// both sides are indexed before the first entry lands, so an existing
	// thread is always listed by Chats
	exists, err := c.exists(ctx, key)
	if err != nil {
		return models.Message{}, err
	}
	if !exists {
		if err := c.index(ctx, from, to); err != nil {
			return models.Message{}, err
		}
		if from != to {
			if err := c.index(ctx, to, from); err != nil {
				return models.Message{}, err
			}
		}
	}

	e, err := store.AppendJSON(ctx, c.store, Collection, key, &m)
	if err != nil {
		return models.Message{}, err
	}
	m.Seq = e.Seq
	m.Timestamp = e.Time

	log.Debug().
		Str("sender", from).
		Str("recipient", to).
		Str("kind", m.Kind).
		Int64("seq", m.Seq).
		Msg("Message stored")
	return m, nil
}

func (c *Store) index(ctx context.Context, owner, partner string) error {
	return store.UpdateJSON(ctx, c.store, IndexCollection, owner, func(idx *models.ChatIndex, _ bool) (bool, error) {
		i, found := slices.BinarySearch(idx.Partners, partner)
		if found {
			return false, nil
		}
		idx.Partners = slices.Insert(idx.Partners, i, partner)
		return true, nil
	})
}

// Reindex rebuilds the partner index from the thread keys. It visits every
// thread and is meant for startup.
func (c *Store) Reindex(ctx context.Context) error {
	// keys are collected first so no cursor stays open across the writes
	var keys []string
	for seq, err := range c.store.Sequences(ctx, Collection) {
		if err != nil {
			return err
		}
		keys = append(keys, seq.Key)
	}

	for _, key := range keys {
		a, b, ok := SplitKey(key)
		if !ok {
			continue
		}
		if err := c.index(ctx, a, b); err != nil {
			return err
		}
		if err := c.index(ctx, b, a); err != nil {
			return err
		}
	}
	log.Debug().Int("threads", len(keys)).Msg("Chat index rebuilt")
	return nil
}

// Chats lists every partner login has at least one message with, sorted.
// It reads login's own index, so the cost does not grow with other users'
// conversations.
func (c *Store) Chats(ctx context.Context, login string) ([]string, error) {
	idx, err := store.GetJSON[models.ChatIndex](ctx, c.store, IndexCollection, login)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	partners := make([]string, 0, len(idx.Partners))
	for _, partner := range idx.Partners {
		// indexed but the first append failed
		ok, err := c.exists(ctx, CanonicalKey(login, partner))
		if err != nil {
			return nil, err
		}
		if ok {
			partners = append(partners, partner)
		}
	}
	return partners, nil
}
