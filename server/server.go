// Package server exposes the gateway to terminal front ends over a line
// protocol. Every connection owns one gateway session.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"termchat/gateway"
	"termchat/protocol"

	"github.com/rs/zerolog/log"
)

const defaultNewsLimit = 20

type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// NewsLimit is used when a news request carries no count.
	NewsLimit int
}

type Server struct {
	gw     *gateway.Gateway
	config Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	clients   map[net.Conn]*client
	listeners []net.Listener
	closing   bool
	wg        sync.WaitGroup
}

type client struct {
	conn    net.Conn
	session *gateway.Session
	remote  string
	writeMu sync.Mutex
}

func New(gw *gateway.Gateway, config Config) *Server {
	if config.NewsLimit <= 0 {
		config.NewsLimit = defaultNewsLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		gw:      gw,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[net.Conn]*client),
	}
}

// ListenAndServe listens on a tcp or unix address and serves until Shutdown.
func (s *Server) ListenAndServe(network, address string) error {
	if network == "unix" {
		os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if network == "unix" {
		defer os.Remove(address)
	}
	log.Info().Str("network", network).Str("address", listener.Addr().String()).Msg("Server started")
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{
		conn:    conn,
		session: s.gw.NewSession(),
		remote:  remoteAddr(conn),
	}
	if !s.addClient(c) {
		conn.Close()
		return
	}
	defer s.dropClient(c)

	log.Info().Str("remote", c.remote).Msg("Client connected")

	reader := bufio.NewReader(conn)
	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info().Str("remote", c.remote).Msg("Client timed out")
				s.send(c, "bye", "timeout")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			default:
				log.Warn().Err(err).Str("remote", c.remote).Msg("Read failed")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pkt, err := protocol.Parse(line)
		if err != nil {
			log.Debug().Str("remote", c.remote).Msg("Unparseable packet")
			s.send(c, "fail", "Invalid packet format")
			continue
		}
		if secret[pkt.Type] {
			log.Debug().Str("remote", c.remote).Str("type", pkt.Type).Msg("Received")
		} else {
			log.Debug().Str("remote", c.remote).Str("line", line).Msg("Received")
		}

		if done := s.handlePacket(s.ctx, c, pkt); done {
			return
		}
	}
}

// secret packet types carry passwords and are logged by type only.
var secret = map[string]bool{"auth": true, "reg": true, "passwd": true}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c.conn] = c
	return true
}

// dropClient forgets the connection and logs its session out so presence
// is recorded even when the client vanished without bye.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.conn)
	s.mu.Unlock()

	if login, ok := c.session.Login(); ok {
		if err := s.gw.Logout(context.Background(), c.session); err == nil {
			log.Info().Str("login", login).Str("remote", c.remote).Msg("Client disconnected")
		}
	} else {
		log.Info().Str("remote", c.remote).Msg("Client disconnected")
	}
	c.conn.Close()
}

func (s *Server) send(c *client, typ string, fields ...string) {
	s.write(c, protocol.Format(typ, fields...))
}

func (s *Server) write(c *client, data string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if _, err := io.WriteString(c.conn, data); err != nil {
		log.Debug().Err(err).Str("remote", c.remote).Msg("Write failed")
	}
}

// Stats reports open connections and the logins behind them.
func (s *Server) Stats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := []string{}
	for _, c := range s.clients {
		if login, ok := c.session.Login(); ok {
			users = append(users, login)
		}
	}
	slices.Sort(users)

	return "connections=" + strconv.Itoa(len(s.clients)) + ",users=" + strings.Join(users, ";")
}

// Shutdown stops accepting, sends bye with the reason (and the expected
// completion time, when known) to every client and waits for their
// sessions to be logged out.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	listeners := s.listeners
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	fields := []string{reason}
	if !completionTime.IsZero() {
		fields = append(fields, protocol.FormatTime(completionTime))
	}
	for _, c := range clients {
		s.send(c, "bye", fields...)
		c.conn.Close()
	}

	s.wg.Wait()
	s.cancel()
	log.Info().Str("reason", reason).Int("clients", len(clients)).Msg("Server stopped")
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
