// The gateway binary runs the media plane: per-camera ffmpeg workers, token
// admission for viewers, HLS fallback and periodic health reporting back to
// the control plane.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-kiosk/internal/config"
	"github.com/technosupport/ts-kiosk/internal/events"
	"github.com/technosupport/ts-kiosk/internal/gateway"
	"github.com/technosupport/ts-kiosk/internal/logging"
	"github.com/technosupport/ts-kiosk/internal/registry"
	"github.com/technosupport/ts-kiosk/internal/replay"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("gateway", "info")
		boot.Fatal().Err(err).Msg("configuration failed")
	}
	log := logging.New("gateway", cfg.LogLevel)

	if cfg.SigningKeyMissing {
		log.Warn().Msg("JWT_SIGNING_KEY not set, using insecure dev fallback")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tm := tokens.NewManager(cfg.SigningKey)

	// Replay enforcement: shared store when configured, else in-process.
	var used replay.Set
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, falling back to in-memory replay set")
			used = replay.NewMemorySet(cfg.StreamTokenTTL * 5)
		} else {
			used = replay.NewRedisSet(client)
			defer client.Close()
		}
	} else {
		used = replay.NewMemorySet(cfg.StreamTokenTTL * 5)
	}

	reg := registry.NewStore()
	if cfg.CamerasFile != "" {
		added, err := reg.LoadSeed(cfg.CamerasFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.CamerasFile).Msg("camera seed load failed")
		} else {
			log.Info().Int("cameras", added).Msg("camera seed loaded")
		}
		if err := reg.WatchSeed(ctx, cfg.CamerasFile, log); err != nil {
			log.Warn().Err(err).Msg("camera seed watch failed")
		}
	}

	var pub *events.Publisher
	if cfg.NATSURL != "" {
		pub, err = events.Connect(cfg.NATSURL, "ts-kiosk-gateway", 3)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, stream health events disabled")
		} else {
			defer pub.Close()
		}
	}

	sup := gateway.NewSupervisor(reg, nil, gateway.Options{
		MaxViewersPerCamera: cfg.MaxViewersPerCamera,
		IdleTimeout:         cfg.StreamIdleTimeout,
		RestartDelay:        cfg.AutoRestartDelay,
		MaxRestarts:         cfg.MaxRestarts,
		HLSRoot:             cfg.HLSRoot,
		FFmpegBinary:        cfg.FFmpegPath,
	}, log)
	go sup.RunReaper(ctx)

	reporter := gateway.NewReporter(sup, cfg.HealthCallbackURL, cfg.GatewaySecret, cfg.HealthCheckInterval, pub, log)
	go reporter.Run(ctx)

	admitter := gateway.NewAdmitter(tm, used, log)
	srv := &http.Server{
		Addr:              ":" + cfg.GatewayPort,
		Handler:           gateway.NewGatewayServer(sup, admitter, reg, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.GatewayPort).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("gateway server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
		sup.StopAll()
		os.Exit(1)
	}
	sup.StopAll()
}
