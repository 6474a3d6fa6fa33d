package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/scribelabs/sessionnotes/config"
	"github.com/scribelabs/sessionnotes/internal/pipeline"
	"github.com/scribelabs/sessionnotes/internal/progress"
	"github.com/scribelabs/sessionnotes/internal/server"
	"github.com/scribelabs/sessionnotes/internal/sessions"
	"github.com/scribelabs/sessionnotes/internal/storage"
)

func main() {
	port := flag.String("port", "", "Server port (defaults to the configured port)")
	configPath := flag.String("config", "./config/config.yaml", "Path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	sessionStore, err := sessions.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open session database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	recordings, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize recording storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}

	progressStore := progress.NewStore(cfg.Stream.Retention())
	defer progressStore.Close()

	// Create and start server
	srv := server.New(cfg, server.Deps{
		Progress:    progressStore,
		Sessions:    sessionStore,
		Recordings:  recordings,
		Transcriber: &pipeline.CommandTranscriber{Command: cfg.Pipeline.TranscribeCommand},
		Extractor:   &pipeline.SummaryExtractor{},
	})

	listenPort := *port
	if listenPort == "" {
		listenPort = cfg.Server.Port
	}

	slog.Info("Starting session notes API server", "port", listenPort)
	if err := srv.Start(listenPort); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
