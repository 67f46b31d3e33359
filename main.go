package main

import (
	"bufio"
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"termchat/accounts"
	"termchat/chats"
	"termchat/config"
	"termchat/gateway"
	"termchat/news"
	"termchat/server"
	"termchat/social"
	"termchat/store"
	"termchat/transfer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg.Log.Level)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Source())
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to open store")
	}
	defer st.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("Store opened")

	files, err := newTransferer(ctx, cfg.Transfer)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Transfer.Driver).Msg("Failed to set up file transfer")
	}

	dir := accounts.New(st, cfg.Accounts.BcryptCost)
	threads := chats.New(st, dir)
	if err := threads.Reindex(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild chat index")
	}

	gw := gateway.New(gateway.Deps{
		Accounts: dir,
		Social:   social.New(st, dir),
		Chats:    threads,
		News:     news.New(st, dir, cfg.News.MaxRecent),
		Files:    files,
	}, gateway.Options{
		AnonymousNews: cfg.News.AnonymousRead,
	})

	srv := server.New(gw, server.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		NewsLimit:    cfg.News.DefaultLimit,
	})

	if cfg.Server.ControlSocket != "" {
		go startControlSocket(srv, cfg.Server.ControlSocket)
		defer os.Remove(cfg.Server.ControlSocket)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		srv.Shutdown("maintenance", time.Time{})
	}()

	if err := srv.ListenAndServe(cfg.Server.Network, cfg.Server.Address); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server exited")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func newTransferer(ctx context.Context, cfg config.TransferConfig) (transfer.Transferer, error) {
	if cfg.Driver == "s3" {
		return transfer.NewS3(ctx, transfer.S3Config{
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}, cfg.UploadDir)
	}
	return transfer.NewLocal(cfg.Dir, cfg.UploadDir), nil
}

// startControlSocket serves one-line management commands:
// stats, and shutdown[|reason[|completion RFC3339]].
func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to create control socket")
		return
	}
	defer listener.Close()

	log.Info().Str("path", path).Msg("Control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("Control socket accept failed")
			return
		}
		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completion time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completion, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		log.Info().Str("reason", reason).Time("completion", completion).Msg("Shutdown requested")
		srv.Shutdown(reason, completion)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
