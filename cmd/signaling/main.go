package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/handlers"
	"github.com/mossy-p/webrtc-rooms/internal/logging"
	"github.com/mossy-p/webrtc-rooms/internal/redis"
	"github.com/mossy-p/webrtc-rooms/internal/relay"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const statsInterval = time.Minute

func main() {
	// Load configuration; flags override the environment
	cfg := config.Load()
	fs := pflag.NewFlagSet("signaling", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	withoutRedis := fs.Bool("no-redis", false, "run without Redis: no room API, rooms created on first join")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment != "production")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		rooms  handlers.RoomStore
		mirror relay.Mirror
	)
	if !*withoutRedis {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("failed to connect to Redis")
		}
		defer client.Close()
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")
		rooms, mirror = client, client
	}

	hub := relay.NewHub(cfg.Relay, mirror, &logger)
	srv := handlers.NewServer(handlers.Config{
		Logger: &logger,
		Hub:    hub,
		Rooms:  rooms,
		App:    cfg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := hub.Stats()
				logger.Info().
					Int("rooms", st.Rooms).
					Int64("connections", st.Connections).
					Int64("rejected", st.Rejected).
					Int64("slowConsumers", st.SlowConsumers).
					Msg("relay stats")
			}
		}
	})

	logger.Info().
		Str("port", cfg.Port).
		Str("environment", cfg.Environment).
		Bool("redis", !*withoutRedis).
		Msg("starting WebRTC signaling relay")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("relay stopped")
}
