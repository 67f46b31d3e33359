package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"termchat/accounts"
	"termchat/chats"
	"termchat/gateway"
	"termchat/models"
	"termchat/protocol"
	"termchat/social"
	"termchat/transfer"

	"github.com/rs/zerolog/log"
)

var commands = []string{
	"ping", "reg", "auth", "logout", "bye",
	"prof", "pedit", "passwd",
	"add", "friends",
	"hist", "msg", "file", "chats", "nochat",
	"news", "post",
	"help",
}

// handlePacket runs one command and reports whether the connection should
// close afterwards.
func (s *Server) handlePacket(ctx context.Context, c *client, pkt protocol.Packet) bool {
	switch pkt.Type {
	case "ping":
		s.send(c, "pong")
	case "reg":
		s.handleRegister(ctx, c, pkt)
	case "auth":
		s.handleAuth(ctx, c, pkt)
	case "logout":
		s.reply(c, "logout", s.gw.Logout(ctx, c.session))
	case "bye":
		s.handleBye(ctx, c)
		return true
	case "prof":
		s.handleProfile(ctx, c)
	case "pedit":
		s.handleProfileEdit(ctx, c, pkt)
	case "passwd":
		s.handlePassword(ctx, c, pkt)
	case "add":
		s.handleAddFriend(ctx, c, pkt)
	case "friends":
		friends, err := s.gw.Friends(ctx, c.session)
		s.reply(c, "friends", err, friends...)
	case "hist":
		s.handleHistory(ctx, c, pkt)
	case "msg":
		s.handleMessage(ctx, c, pkt)
	case "file":
		s.handleFile(ctx, c, pkt)
	case "chats":
		partners, err := s.gw.Chats(ctx, c.session)
		s.reply(c, "chats", err, partners...)
	case "nochat":
		friends, err := s.gw.FriendsWithoutChats(ctx, c.session)
		s.reply(c, "nochat", err, friends...)
	case "news":
		s.handleNews(ctx, c, pkt)
	case "post":
		s.handlePost(ctx, c, pkt)
	case "help":
		s.send(c, "help", strings.Join(commands, ","))
	default:
		s.send(c, "fail", "Unknown packet type")
	}
	return false
}

// reply sends ok|op|fields... on success and fail|op|description otherwise.
func (s *Server) reply(c *client, op string, err error, fields ...string) {
	if err != nil {
		s.sendError(c, op, describe(err))
		return
	}
	s.send(c, "ok", append([]string{op}, fields...)...)
}

func (s *Server) sendError(c *client, op, description string) {
	s.send(c, "fail", op, description)
}

func describe(err error) string {
	switch {
	case errors.Is(err, gateway.ErrNotAuthorized):
		return "Not authenticated"
	case errors.Is(err, gateway.ErrAlreadyLoggedIn):
		return "Already logged in"
	case errors.Is(err, gateway.ErrAuthFailed):
		return "Invalid credentials"
	case errors.Is(err, accounts.ErrAlreadyExists):
		return "User already exists"
	case errors.Is(err, accounts.ErrInvalidLogin):
		return "Invalid login"
	case errors.Is(err, accounts.ErrEmptyPassword):
		return "Empty password"
	case errors.Is(err, accounts.ErrPasswordTooLong):
		return "Password too long"
	case errors.Is(err, accounts.ErrWrongPassword):
		return "Wrong password"
	case errors.Is(err, accounts.ErrNotFound):
		return "User not found"
	case errors.Is(err, social.ErrSelfFriend):
		return "Cannot add yourself"
	case errors.Is(err, chats.ErrNoConversation):
		return "No conversation"
	case errors.Is(err, transfer.ErrTransferFailed):
		return "File transfer failed"
	default:
		return "Internal error"
	}
}

// reg|login|password
func (s *Server) handleRegister(ctx context.Context, c *client, pkt protocol.Packet) {
	login, password := pkt.Field(0), pkt.Field(1)
	if err := s.gw.Register(ctx, c.session, login, password); err != nil {
		s.reply(c, "reg", err)
		return
	}
	log.Info().Str("login", login).Str("remote", c.remote).Msg("Registered")
	s.reply(c, "reg", nil)
}

// auth|login|password
func (s *Server) handleAuth(ctx context.Context, c *client, pkt protocol.Packet) {
	login, password := pkt.Field(0), pkt.Field(1)
	if login == "" || password == "" {
		s.sendError(c, "auth", "Invalid credentials")
		return
	}
	s.reply(c, "auth", s.gw.Login(ctx, c.session, login, password))
}

func (s *Server) handleBye(ctx context.Context, c *client) {
	if _, ok := c.session.Login(); ok {
		if err := s.gw.Logout(ctx, c.session); err != nil {
			log.Warn().Err(err).Str("remote", c.remote).Msg("Logout on bye failed")
		}
	}
	s.send(c, "bye")
}

// prof -> ok|prof|login|name|birth|country|city|info|last_online|last_offline
func (s *Server) handleProfile(ctx context.Context, c *client) {
	p, err := s.gw.Profile(ctx, c.session)
	s.reply(c, "prof", err,
		p.Login, p.Name, p.Birth, p.Country, p.City, p.Info,
		protocol.FormatTime(p.LastOnline), protocol.FormatTime(p.LastOffline),
	)
}

// pedit|field|value[|field|value...]
func (s *Server) handleProfileEdit(ctx context.Context, c *client, pkt protocol.Packet) {
	if len(pkt.Fields) == 0 || len(pkt.Fields)%2 != 0 {
		s.sendError(c, "pedit", "Invalid data")
		return
	}

	var upd models.ProfileUpdate
	for i := 0; i < len(pkt.Fields); i += 2 {
		value := pkt.Fields[i+1]
		switch pkt.Fields[i] {
		case "name":
			upd.Name = &value
		case "birth":
			upd.Birth = &value
		case "country":
			upd.Country = &value
		case "city":
			upd.City = &value
		case "info":
			upd.Info = &value
		default:
			s.sendError(c, "pedit", "Unknown field "+pkt.Fields[i])
			return
		}
	}
	s.reply(c, "pedit", s.gw.UpdateProfile(ctx, c.session, upd))
}

// passwd|old|new
func (s *Server) handlePassword(ctx context.Context, c *client, pkt protocol.Packet) {
	s.reply(c, "passwd", s.gw.ChangePassword(ctx, c.session, pkt.Field(0), pkt.Field(1)))
}

// add|login
func (s *Server) handleAddFriend(ctx context.Context, c *client, pkt protocol.Packet) {
	other := pkt.Field(0)
	if other == "" {
		s.sendError(c, "add", "Login required")
		return
	}
	s.reply(c, "add", s.gw.AddFriend(ctx, c.session, other))
}

// hist|partner[|limit] or hist|partner|offset|limit -> ok|hist|partner|count
// followed by count msg|seq|sender|kind|content|timestamp lines.
func (s *Server) handleHistory(ctx context.Context, c *client, pkt protocol.Packet) {
	partner := pkt.Field(0)
	if partner == "" {
		s.sendError(c, "hist", "Contact required")
		return
	}

	var nums []int
	for _, raw := range pkt.Fields[1:min(len(pkt.Fields), 3)] {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(c, "hist", "Invalid range")
			return
		}
		nums = append(nums, n)
	}
	offset, limit := 0, 0
	switch len(nums) {
	case 1:
		limit = nums[0]
	case 2:
		offset, limit = nums[0], nums[1]
	}

	messages, err := s.gw.ThreadPage(ctx, c.session, partner, offset, limit)
	if err != nil {
		s.reply(c, "hist", err)
		return
	}

	var b strings.Builder
	b.WriteString(protocol.Format("ok", "hist", partner, strconv.Itoa(len(messages))))
	for _, m := range messages {
		content := m.Body
		if m.Kind == models.KindFile {
			content = m.FileRef
		}
		b.WriteString(protocol.Format("msg",
			strconv.FormatInt(m.Seq, 10), m.Sender, m.Kind, content, protocol.FormatTime(m.Timestamp),
		))
	}
	s.write(c, b.String())
}

// msg|partner|text -> ok|msg|id|timestamp
func (s *Server) handleMessage(ctx context.Context, c *client, pkt protocol.Packet) {
	partner, text := pkt.Field(0), pkt.Field(1)
	if partner == "" {
		s.sendError(c, "msg", "Recipient required")
		return
	}
	if text == "" {
		s.sendError(c, "msg", "Message text required")
		return
	}

	m, err := s.gw.SendMessage(ctx, c.session, partner, text)
	s.reply(c, "msg", err, m.ID, protocol.FormatTime(m.Timestamp))
}

// file|partner|path -> ok|file|ref
func (s *Server) handleFile(ctx context.Context, c *client, pkt protocol.Packet) {
	partner, path := pkt.Field(0), pkt.Field(1)
	if partner == "" || path == "" {
		s.sendError(c, "file", "Recipient and path required")
		return
	}

	m, err := s.gw.SendFile(ctx, c.session, partner, path)
	s.reply(c, "file", err, m.FileRef)
}

// news[|limit] -> ok|news|count followed by count
// post|seq|author|body|timestamp lines, oldest first.
func (s *Server) handleNews(ctx context.Context, c *client, pkt protocol.Packet) {
	limit := s.config.NewsLimit
	if raw := pkt.Field(0); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.sendError(c, "news", "Invalid limit")
			return
		}
		limit = n
	}

	posts, err := s.gw.News(ctx, c.session, limit)
	if err != nil {
		s.reply(c, "news", err)
		return
	}

	var b strings.Builder
	b.WriteString(protocol.Format("ok", "news", strconv.Itoa(len(posts))))
	for _, p := range posts {
		b.WriteString(protocol.Format("post",
			strconv.FormatInt(p.Seq, 10), p.Author, p.Body, protocol.FormatTime(p.Timestamp),
		))
	}
	s.write(c, b.String())
}

// post|text -> ok|post|id
func (s *Server) handlePost(ctx context.Context, c *client, pkt protocol.Packet) {
	text := pkt.Field(0)
	if text == "" {
		s.sendError(c, "post", "Post text required")
		return
	}

	p, err := s.gw.Post(ctx, c.session, text)
	s.reply(c, "post", err, p.ID)
}
