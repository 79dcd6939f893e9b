package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/config"
	"github.com/chadiek/avatar-runtime/internal/httpserver"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/media"
	"github.com/chadiek/avatar-runtime/internal/sessionlock"
)

func main() {
	cfg, warnings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	stores, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	gpuClient, providers, err := buildProviders(cfg, stores.artifacts, log)
	if err != nil {
		return err
	}

	var (
		lock    agent.TurnLock
		cancels httpserver.CancelPublisher
		redis   *sessionlock.Redis
	)
	if cfg.RedisAddr != "" {
		redis, err = sessionlock.NewRedis(cfg.RedisAddr, cfg.TurnLockTTL, log)
		if err != nil {
			return err
		}
		defer redis.Close()
		lock, cancels = redis, redis
	}

	sessions := agent.NewSessions(cfg.HistoryTurns, lock, cfg.SessionIdleTTL)
	go sessions.Run(ctx, time.Minute)
	if redis != nil {
		err := redis.ForwardCancels(ctx, func(id string) {
			if sess, ok := sessions.Lookup(id); ok && sess.Cancel() {
				log.Info("turn cancelled by another replica", "session", id)
			}
		})
		if err != nil {
			return err
		}
	}

	pipeline := agent.NewPipeline(providers, agent.Options{
		MaxChunkChars:   cfg.MaxChunkChars,
		LookAhead:       cfg.LookAhead,
		VoiceRef:        cfg.VoiceReference,
		ImageRef:        cfg.ReferenceImage,
		ProviderTimeout: cfg.ProviderTimeout,
		VideoTimeout:    cfg.VideoTimeout,
		Gate:            buildGate(cfg, log),
	}, log)

	stitcher := media.NewConcatenator(stores.artifacts, cfg.FFmpegPath, log)
	if err := stitcher.AssertReady(); err != nil {
		log.Warn("video stitching unavailable", "error", err)
	}

	e := httpserver.New(httpserver.Deps{
		Pipeline:       pipeline,
		Sessions:       sessions,
		Videos:         stores.served,
		Stitcher:       stitcher,
		Health:         gpuClient,
		Cancels:        cancels,
		Log:            log,
		AuthToken:      cfg.AuthToken,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress, "storage", cfg.StorageBackend,
			"transcriber", cfg.TranscriberBackend, "speech", cfg.SpeechBackend)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// streams in flight get a bounded grace period
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	return nil
}
