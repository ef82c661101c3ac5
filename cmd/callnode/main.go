package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	router "github.com/letstalk/callkit/internal/adapters/http"
	"github.com/letstalk/callkit/internal/adapters/rtc"
	"github.com/letstalk/callkit/internal/adapters/store"
	"github.com/letstalk/callkit/internal/app"
	"github.com/letstalk/callkit/internal/config"
	"github.com/letstalk/callkit/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.UserID == "" {
		log.Fatal().Msg("user_id must be configured")
	}

	signalCh, cleanup, err := buildSignaling(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up signaling store")
	}
	defer cleanup()

	media := rtc.NewFactory(rtc.Config{
		ICEServers:   iceServers(cfg),
		VideoBitRate: cfg.VideoBitRate,
	})

	coord := app.NewCoordinator(cfg.UserID, media, signalCh, app.Options{
		RingTimeout: cfg.RingTimeout,
	})
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("coordinator stopped")
		}
	}()

	uc := app.NewCallUseCases(coord)
	r := router.SetupRouter(ctx, cfg, uc)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", cfg.UserID).Msg("call node started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// buildSignaling picks the Mongo-backed channel when a URI is configured
// and falls back to the in-process one otherwise.
func buildSignaling(ctx context.Context, cfg *config.Config) (core.SignalingChannel, func(), error) {
	if cfg.MongoURI == "" {
		log.Warn().Msg("no mongo_uri configured, using in-memory signaling")
		return store.NewMemoryChannel(), func() {}, nil
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)
	}
	log.Info().Str("db", cfg.MongoDatabase).Msg("connected to signaling store")
	return store.NewMongoChannel(client.Database(cfg.MongoDatabase)), cleanup, nil
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.StunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.StunServers})
	}
	if len(cfg.TurnServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TurnServers,
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}
	return servers
}
