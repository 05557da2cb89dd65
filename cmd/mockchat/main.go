package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/config"
	"github.com/embedkit/chatwidget/internal/mockserver"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv := mockserver.New(mockserver.Options{
		APIKey:       cfg.Server.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
		ChunkDelay:   time.Duration(cfg.Server.ChunkDelayMs) * time.Millisecond,
		Logger:       logger,
	})

	// no WriteTimeout: SSE responses stay open longer than any fixed
	// write deadline
	httpSrv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Starting mock chat server", zap.String("address", cfg.Address()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
