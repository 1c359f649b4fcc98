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

	"github.com/gin-gonic/gin"

	"github.com/agropilot/agropilot/internal/api"
	"github.com/agropilot/agropilot/internal/checkpoint"
	"github.com/agropilot/agropilot/internal/config"
	"github.com/agropilot/agropilot/internal/env"
	"github.com/agropilot/agropilot/internal/model"
	"github.com/agropilot/agropilot/internal/simlink"
	"github.com/agropilot/agropilot/internal/trainer"
	"github.com/agropilot/agropilot/internal/vision"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting agropilot backend")
	log.Printf("Simulation: %s", cfg.Simulation.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Checkpoint store ──
	store, err := checkpoint.NewStore(cfg.Checkpoints.Path)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	// ── Simulation link + environment ──
	simLink := simlink.New(ctx, "sim", cfg.Simulation.URL,
		cfg.ReconnectIntervalDuration(), cfg.Simulation.MaxReconnectAttempts)

	environment := env.New(simLink, cfg.Training.MaxEpisodeSteps)
	simLink.Handle(model.MsgObservation, environment.ApplyInbound)
	simLink.Handle(model.MsgDroneUpdate, environment.ApplyInbound)
	simLink.Handle(model.MsgPlantsUpdate, environment.ApplyInbound)
	simLink.Handle(model.MsgReward, environment.ApplyInbound)
	simLink.Handle(model.MsgReset, environment.ApplyInbound)

	links := map[string]*simlink.Link{"sim": simLink}

	// ── Classification bridge ──
	var bridge *vision.Bridge
	if cfg.Classifier.URL != "" {
		classifier := vision.NewHTTPClassifier(cfg.Classifier.URL)

		// The camera feed can ride the main link or a dedicated one.
		cameraLink := simLink
		if cfg.Simulation.CameraURL != "" {
			cameraLink = simlink.New(ctx, "camera", cfg.Simulation.CameraURL,
				cfg.ReconnectIntervalDuration(), cfg.Simulation.MaxReconnectAttempts)
			links["camera"] = cameraLink
		}

		bridge = vision.NewBridge(classifier, cameraLink)
		cameraLink.Handle(model.MsgCameraFeed, bridge.HandleCameraFeed)

		log.Printf("Classifier: %s", cfg.Classifier.URL)
	} else {
		log.Printf("Classifier disabled (no classifier.url configured)")
	}

	// ── Trainer ──
	tr := trainer.New(ctx, environment, store, trainer.Config{
		TotalTimesteps: cfg.Training.TotalTimesteps,
		SaveFreq:       cfg.Training.SaveFreq,
		LogInterval:    cfg.Training.LogInterval,
		StepInterval:   cfg.StepInterval(),
		LearningRate:   cfg.Training.LearningRate,
		Gamma:          cfg.Training.Gamma,
		Seed:           time.Now().UnixNano(),
	})

	// ── Connect links ──
	for _, l := range links {
		l.Connect()
	}

	// ── Control API ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.CORS())
	r.Use(api.RequestLogger())

	api.NewServer(tr, store, bridge, links).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.API.Address,
		Handler: r,
	}

	go func() {
		log.Printf("Control API listening on %s", cfg.API.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// ── Wait for interrupt signal ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Printf("Shutting down...")

	if err := tr.Stop(); err != nil && !errors.Is(err, trainer.ErrNotRunning) {
		log.Printf("Error stopping trainer: %v", err)
	}

	cancel()
	for name, l := range links {
		if err := l.Close(); err != nil {
			log.Printf("Error closing %s link: %v", name, err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	log.Printf("Backend stopped")
}
