package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/amir17x/xraynama/internal/catalog"
	"github.com/amir17x/xraynama/internal/identity"
	"github.com/amir17x/xraynama/internal/party"
	"github.com/amir17x/xraynama/internal/server"
	"github.com/amir17x/xraynama/internal/storage"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "listen address")
		dbPath       = flag.String("db", "", "sqlite database path (empty = in-memory sessions only)")
		idleTimeout  = flag.Duration("idle-timeout", party.DefaultIdleTimeout, "reap sessions idle longer than this")
		destroyGrace = flag.Duration("destroy-grace", party.DefaultDestroyGrace, "extra grace before an empty session is destroyed")
		joinGrace    = flag.Duration("join-grace", party.DefaultJoinGrace, "time a connection may stay open without joining")
		chatKeep     = flag.Duration("chat-retention", 30*24*time.Hour, "durable chat history retention (0 = keep forever)")
		cors         = flag.Bool("cors", true, "send permissive CORS headers")
		debug        = flag.Bool("debug", false, "debug-level logging")
	)
	flag.Parse()

	if *addr == ":8080" {
		if env := os.Getenv("XRAYNAMA_ADDR"); env != "" {
			*addr = env
		}
	}

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		chatStore party.ChatStore
		hubCat    party.Catalog
		catSvc    *catalog.Service
		idSvc     *identity.Service
	)
	if *dbPath != "" {
		store, err := storage.Open(*dbPath, storage.Options{})
		if err != nil {
			logger.Fatal("open database", zap.String("path", *dbPath), zap.Error(err))
		}
		defer store.Close()
		chatStore = store
		catSvc = catalog.NewService(store, logger)
		hubCat = catSvc
		idSvc, err = identity.NewService(store, logger)
		if err != nil {
			logger.Fatal("identity init", zap.Error(err))
		}
		if *chatKeep > 0 {
			go store.ChatRetentionLoop(ctx, time.Hour, *chatKeep, logger)
		}
		logger.Info("database open", zap.String("path", *dbPath))
	}

	registry := party.NewRegistry(logger, party.RegistryConfig{
		IdleTimeout:  *idleTimeout,
		DestroyGrace: *destroyGrace,
	})
	defer registry.Close()

	hub := party.NewHub(party.HubConfig{
		Registry:  registry,
		Log:       logger,
		ChatStore: chatStore,
		Catalog:   hubCat,
		JoinGrace: *joinGrace,
	})

	s, err := server.New(server.Config{
		Addr:        *addr,
		Hub:         hub,
		Registry:    registry,
		Catalog:     catSvc,
		ChatHistory: chatStore,
		Identity:    idSvc,
		Log:         logger,
		CORSEnabled: *cors,
	})
	if err != nil {
		logger.Fatal("server init", zap.Error(err))
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info("shutting down...")
		stop()
		_ = s.Close()
	}()

	logger.Info("xraynama relay listening",
		zap.String("addr", *addr),
		zap.Duration("idle_timeout", *idleTimeout))
	if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server stopped", zap.Error(err))
	}
	// Give in-flight disconnect broadcasts a moment to drain.
	time.Sleep(100 * time.Millisecond)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
