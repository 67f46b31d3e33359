// Package gateway is the entry point front ends call. It tracks which login
// a session belongs to and refuses protected operations for anonymous
// sessions before delegating to the stores.
package gateway

import (
	"context"
	"errors"
	"slices"
	"sync"

	"termchat/accounts"
	"termchat/chats"
	"termchat/models"
	"termchat/news"
	"termchat/social"
	"termchat/store"
	"termchat/transfer"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotAuthorized   = errors.New("not logged in")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrAuthFailed      = errors.New("authentication failed")
)

// Session is one front end's authentication state. The zero value is
// anonymous.
type Session struct {
	mu    sync.Mutex
	login string
}

// Login returns the authenticated login, or false for an anonymous session.
func (s *Session) Login() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login, s.login != ""
}

type Deps struct {
	Accounts *accounts.Directory
	Social   *social.Graph
	Chats    *chats.Store
	News     *news.Feed
	Files    transfer.Transferer
}

type Options struct {
	// AnonymousNews lets anonymous sessions read the news feed.
	AnonymousNews bool
}

type Gateway struct {
	accounts *accounts.Directory
	social   *social.Graph
	chats    *chats.Store
	news     *news.Feed
	files    transfer.Transferer
	opts     Options
}

func New(deps Deps, opts Options) *Gateway {
	return &Gateway{
		accounts: deps.Accounts,
		social:   deps.Social,
		chats:    deps.Chats,
		news:     deps.News,
		files:    deps.Files,
		opts:     opts,
	}
}

func (g *Gateway) NewSession() *Session {
	return &Session{}
}

// Register creates an account and logs the session into it.
func (g *Gateway) Register(ctx context.Context, s *Session, login, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login != "" {
		return ErrAlreadyLoggedIn
	}

	if err := g.accounts.Create(ctx, login, password); err != nil {
		return g.fail("register", login, err)
	}
	s.login = login
	g.presence(ctx, login, true)
	return nil
}

func (g *Gateway) Login(ctx context.Context, s *Session, login, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login != "" {
		return ErrAlreadyLoggedIn
	}

	ok, err := g.accounts.Authenticate(ctx, login, password)
	if err != nil {
		return g.fail("login", login, err)
	}
	if !ok {
		return ErrAuthFailed
	}

	s.login = login
	g.presence(ctx, login, true)
	log.Info().Str("login", login).Msg("Logged in")
	return nil
}

func (g *Gateway) Logout(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login == "" {
		return ErrNotAuthorized
	}

	login := s.login
	s.login = ""
	g.presence(ctx, login, false)
	log.Info().Str("login", login).Msg("Logged out")
	return nil
}

func (g *Gateway) presence(ctx context.Context, login string, online bool) {
	if err := g.accounts.RecordPresence(ctx, login, online); err != nil {
		log.Warn().Err(err).Str("login", login).Bool("online", online).Msg("Failed to record presence")
	}
}

func (g *Gateway) Profile(ctx context.Context, s *Session) (models.Profile, error) {
	login, err := authorized(s)
	if err != nil {
		return models.Profile{}, err
	}
	p, err := g.accounts.Profile(ctx, login)
	return p, g.fail("profile", login, err)
}

func (g *Gateway) UpdateProfile(ctx context.Context, s *Session, upd models.ProfileUpdate) error {
	login, err := authorized(s)
	if err != nil {
		return err
	}
	return g.fail("update_profile", login, g.accounts.UpdateProfile(ctx, login, upd))
}

func (g *Gateway) ChangePassword(ctx context.Context, s *Session, oldPassword, newPassword string) error {
	login, err := authorized(s)
	if err != nil {
		return err
	}
	return g.fail("change_password", login, g.accounts.ChangePassword(ctx, login, oldPassword, newPassword))
}

func (g *Gateway) AddFriend(ctx context.Context, s *Session, other string) error {
	login, err := authorized(s)
	if err != nil {
		return err
	}
	return g.fail("add_friend", login, g.social.AddFriend(ctx, login, other))
}

func (g *Gateway) Friends(ctx context.Context, s *Session) ([]string, error) {
	login, err := authorized(s)
	if err != nil {
		return nil, err
	}
	friends, err := g.social.Friends(ctx, login)
	return friends, g.fail("friends", login, err)
}

func (g *Gateway) Thread(ctx context.Context, s *Session, partner string) ([]models.Message, error) {
	return g.ThreadPage(ctx, s, partner, 0, 0)
}

func (g *Gateway) ThreadPage(ctx context.Context, s *Session, partner string, offset, limit int) ([]models.Message, error) {
	login, err := authorized(s)
	if err != nil {
		return nil, err
	}
	messages, err := g.chats.ThreadPage(ctx, login, partner, offset, limit)
	return messages, g.fail("thread", login, err)
}

func (g *Gateway) SendMessage(ctx context.Context, s *Session, partner, body string) (models.Message, error) {
	login, err := authorized(s)
	if err != nil {
		return models.Message{}, err
	}
	m, err := g.chats.SendMessage(ctx, login, partner, body)
	return m, g.fail("send_message", login, err)
}

// SendFile delivers the file through the transfer collaborator and then
// records a file entry in the thread. The partner is checked first so no
// bytes move for an unknown recipient.
func (g *Gateway) SendFile(ctx context.Context, s *Session, partner, path string) (models.Message, error) {
	login, err := authorized(s)
	if err != nil {
		return models.Message{}, err
	}
	if err := g.accounts.Require(ctx, partner); err != nil {
		return models.Message{}, g.fail("send_file", login, err)
	}

	ref, err := g.files.Send(ctx, login, partner, path)
	if err != nil {
		log.Warn().Err(err).Str("login", login).Str("recipient", partner).Msg("File transfer failed")
		return models.Message{}, err
	}

	m, err := g.chats.SendFileReference(ctx, login, partner, ref)
	return m, g.fail("send_file", login, err)
}

func (g *Gateway) Chats(ctx context.Context, s *Session) ([]string, error) {
	login, err := authorized(s)
	if err != nil {
		return nil, err
	}
	partners, err := g.chats.Chats(ctx, login)
	return partners, g.fail("chats", login, err)
}

// FriendsWithoutChats lists friends the session has never messaged, in
// friend-list order.
func (g *Gateway) FriendsWithoutChats(ctx context.Context, s *Session) ([]string, error) {
	login, err := authorized(s)
	if err != nil {
		return nil, err
	}
	friends, err := g.social.Friends(ctx, login)
	if err != nil {
		return nil, g.fail("friends_without_chats", login, err)
	}
	partners, err := g.chats.Chats(ctx, login)
	if err != nil {
		return nil, g.fail("friends_without_chats", login, err)
	}

	out := []string{}
	for _, f := range friends {
		if _, found := slices.BinarySearch(partners, f); !found {
			out = append(out, f)
		}
	}
	return out, nil
}

func (g *Gateway) Post(ctx context.Context, s *Session, body string) (models.NewsPost, error) {
	login, err := authorized(s)
	if err != nil {
		return models.NewsPost{}, err
	}
	p, err := g.news.Post(ctx, login, body)
	return p, g.fail("post", login, err)
}

func (g *Gateway) News(ctx context.Context, s *Session, limit int) ([]models.NewsPost, error) {
	login, ok := s.Login()
	if !ok && !g.opts.AnonymousNews {
		return nil, ErrNotAuthorized
	}
	posts, err := g.news.Recent(ctx, limit)
	return posts, g.fail("news", login, err)
}

func authorized(s *Session) (string, error) {
	login, ok := s.Login()
	if !ok {
		return "", ErrNotAuthorized
	}
	return login, nil
}

// fail logs storage faults and passes every error through unchanged.
func (g *Gateway) fail(op, login string, err error) error {
	if err != nil && errors.Is(err, store.ErrIO) {
		log.Error().Err(err).Str("op", op).Str("login", login).Msg("Storage failure")
	}
	return err
}
