package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/config"
	"rtsp-face-overlay/internal/logging"
	"rtsp-face-overlay/internal/pipeline"
	"rtsp-face-overlay/internal/subscriber"
)

// main initializes the pipeline and serves its HTTP API
func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load configuration")
	}

	log, logFile, err := logging.New(cfg.Log)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to set up logging")
	}
	defer logFile.Close()

	// Check if FFmpeg is available
	if err := exec.Command(cfg.Encoder.Binary, "-version").Run(); err != nil {
		log.Fatal().Err(err).Str("binary", cfg.Encoder.Binary).Msg("FFmpeg is not installed or not in PATH")
	}

	hub := NewViewerHub(log)
	p, err := pipeline.New(cfg, log, pipeline.WithPublisher(hub))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var sub *subscriber.Subscriber
	if cfg.MQTT.Broker != "" {
		sub = subscriber.New(cfg.MQTT, p, log)
		if err := sub.Start(ctx); err != nil {
			log.Error().Err(err).Msg("mqtt ingress unavailable, continuing with HTTP only")
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{svc: p, hub: hub, log: log.With().Str("component", "http").Logger()}
	go s.supervise(ctx, SuperviseInterval, MaxStallDuration)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: s.routes(),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("stream_base", cfg.StreamURL()).Msg("face overlay server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	if sub != nil {
		sub.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	hub.CloseAll()
	p.Close()
	cancel()

	log.Info().Msg("server exited")
}
