package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	router "github.com/dkeye/Callkit/internal/adapters/http"
	"github.com/dkeye/Callkit/internal/adapters/profiles"
	"github.com/dkeye/Callkit/internal/adapters/rtc"
	wsignal "github.com/dkeye/Callkit/internal/adapters/signal"
	"github.com/dkeye/Callkit/internal/adapters/store/memory"
	"github.com/dkeye/Callkit/internal/adapters/store/mongostore"
	"github.com/dkeye/Callkit/internal/adapters/store/redisstore"
	"github.com/dkeye/Callkit/internal/app"
	"github.com/dkeye/Callkit/internal/app/orch"
	"github.com/dkeye/Callkit/internal/config"
	"github.com/dkeye/Callkit/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	dir, err := profiles.New(cfg.Profiles)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid profiles")
	}
	policy, err := app.ParseBusyPolicy(cfg.BusyPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid busy policy")
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}

	peers, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers), rtc.NewLoggerFactory())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	ctrl := wsignal.NewSignalWSController(orch.Deps{
		Store:    store,
		Profiles: dir,
		Devices:  rtc.Devices{AllowAudio: cfg.Media.AllowAudio, AllowVideo: cfg.Media.AllowVideo},
		Peers:    peers,
	}, orch.Config{
		RingTimeout:     cfg.RingTimeout,
		BusyPolicy:      policy,
		CandidateBuffer: cfg.CandidateBuffer,
	}, wsignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}, wsignal.NewCallRateLimiter(cfg.CallRateLimit, cfg.CallRateInterval))

	r := router.SetupRouter(ctx, cfg, ctrl, dir)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Msg("Callkit server started")
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
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("clients still connected")
	}
	if err := closeStore(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.SignalStore, func() error, error) {
	switch cfg.Driver {
	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		s, err := mongostore.New(ctx, client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() error {
			return multierr.Combine(s.Close(), client.Disconnect(context.Background()))
		}, nil
	case config.StoreRedis:
		rdb, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		s := redisstore.New(rdb, cfg.Redis.Prefix)
		return s, func() error {
			return multierr.Combine(s.Close(), rdb.Close())
		}, nil
	}
	s := memory.New()
	return s, s.Close, nil
}
