// The hub binary runs the signaling plane and the control backend: websocket
// presence and call signaling on /ws, the REST API under /api, and stream
// token issuance for the gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/technosupport/ts-kiosk/internal/api"
	"github.com/technosupport/ts-kiosk/internal/config"
	"github.com/technosupport/ts-kiosk/internal/events"
	"github.com/technosupport/ts-kiosk/internal/logging"
	"github.com/technosupport/ts-kiosk/internal/presence"
	"github.com/technosupport/ts-kiosk/internal/registry"
	"github.com/technosupport/ts-kiosk/internal/signaling"
	"github.com/technosupport/ts-kiosk/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("hub", "info")
		boot.Fatal().Err(err).Msg("configuration failed")
	}
	log := logging.New("hub", cfg.LogLevel)

	if cfg.SigningKeyMissing {
		log.Warn().Msg("JWT_SIGNING_KEY not set, using insecure dev fallback")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tm := tokens.NewManager(cfg.SigningKey)

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
		pub, err = events.Connect(cfg.NATSURL, "ts-kiosk-hub", 3)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, presence events disabled")
		} else {
			defer pub.Close()
		}
	}

	hub := signaling.NewHub(presence.NewStore(), signaling.NewSessionStore(), pub, cfg.SessionTimeout, log)
	go hub.RunReaper(ctx)

	ws := signaling.NewServer(hub, tm, log)
	issuer := registry.NewIssuer(reg, tm, cfg.StreamTokenTTL, log)
	rest := api.NewServer(reg, issuer, tm, cfg, log)

	router := rest.Router()
	router.Get("/ws", ws.ServeWS)

	srv := &http.Server{
		Addr:              ":" + cfg.HubPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HubPort).Msg("hub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("hub server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
}
