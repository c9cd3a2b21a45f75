// Command imapd is the core's entry point: it wires the Storage Gateway,
// Message Handler, Notifier, Authenticator and Rate Limiter together and
// starts the Command Dispatcher's listener, behind the Storage Gateway
// interface and structured zap logging instead of a direct *mongo.Database
// and ad hoc log.Printf calls.
package main

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/melvynkim/wildduck/internal/auth"
	"github.com/melvynkim/wildduck/internal/config"
	"github.com/melvynkim/wildduck/internal/imapserver"
	"github.com/melvynkim/wildduck/internal/indexer"
	"github.com/melvynkim/wildduck/internal/message"
	"github.com/melvynkim/wildduck/internal/notifier"
	"github.com/melvynkim/wildduck/internal/storage"
)

func main() {
	cfg := config.Load()

	logger, syncLogger, err := config.NewLogger()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer syncLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())
	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("failed to ping MongoDB: %v", err)
	}

	gw, err := storage.NewMongoGateway(client.Database(cfg.Mongo.Database))
	if err != nil {
		log.Fatalf("failed to build storage gateway: %v", err)
	}
	if err := gw.EnsureIndexes(ctx); err != nil {
		log.Fatalf("failed to ensure indexes: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	limiter := auth.NewRateLimiter(rdb, time.Minute, 100)

	idx := indexer.New()
	n := notifier.New(gw)
	handler := message.New(gw, n, idx)
	authn := auth.New(gw)

	opts := imapserver.Options{
		Logger:         logger,
		Host:           cfg.IMAP.Host,
		Port:           cfg.IMAP.Port,
		MaxMessage:     cfg.IMAP.MaxMessage,
		MaxStorage:     cfg.IMAP.MaxStorage,
		Secure:         cfg.IMAP.Secure,
		IgnoreSTARTTLS: cfg.IMAP.IgnoreSTARTTLS,
		AuthTimeout:    cfg.IMAP.AuthTimeout,
		ID:             cfg.IMAP.ID,
	}
	if cfg.IMAP.KeyFile != "" && cfg.IMAP.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.IMAP.CertFile, cfg.IMAP.KeyFile)
		if err != nil {
			log.Fatalf("failed to load TLS certificate: %v", err)
		}
		opts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := imapserver.NewServer(opts, gw, handler, n, authn, limiter, idx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting imap server on %s:%d", cfg.IMAP.Host, cfg.IMAP.Port)
		if err := srv.Start(); err != nil {
			logger.Error("imap server failed: %v", err)
		}
	}()

	<-sigCh
	logger.Info("shutting down imap server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown: %v", err)
	}
	logger.Info("imap server stopped")
}
