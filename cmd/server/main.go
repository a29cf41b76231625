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

	router "github.com/openrelay/signaling/internal/adapters/http"
	sig "github.com/openrelay/signaling/internal/adapters/signal"
	"github.com/openrelay/signaling/internal/app"
	"github.com/openrelay/signaling/internal/auth"
	"github.com/openrelay/signaling/internal/config"
	"github.com/openrelay/signaling/internal/engine"
)

// engineDeathGrace is how long the server keeps answering after the media
// engine dies before shutting down. Sessions are already invalid; the delay
// only lets in-flight responses drain.
const engineDeathGrace = 2 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	eng, err := engine.New(engine.Config{
		PortMin:     uint16(cfg.RTCPortMin),
		PortMax:     uint16(cfg.RTCPortMax),
		AnnouncedIP: cfg.AnnouncedIP,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}

	gate := auth.NewGate(cfg.Secret, cfg.AdminUsername, cfg.AdminPassword, cfg.TokenTTL)
	reg := app.NewRegistry(eng, cfg.CloseTimeout)
	lifecycle := app.NewLifecycle(reg, cfg.GracePeriod)
	ctl := sig.NewController(reg, lifecycle, cfg.ReadLimit)

	r := router.SetupRouter(ctx, cfg, gate, reg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	// Engine death cannot be papered over: every live session holds
	// resources inside the dead process. Orderly shutdown after a short
	// grace delay.
	go func() {
		select {
		case <-eng.Done():
			log.Error().Dur("grace", engineDeathGrace).Msg("media engine died, shutting down")
			time.Sleep(engineDeathGrace)
			cancel()
		case <-ctx.Done():
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	_ = eng.Close()
	log.Info().Msg("Server exited gracefully")
}
