package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/desktop/docker"
	"github.com/nstogner/deskpilot/pkg/model/gemini"
	"github.com/nstogner/deskpilot/pkg/server"
	"github.com/nstogner/deskpilot/pkg/shots"
)

const defaultModel = "gemini-2.5-flash"

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// Config.
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		slog.Error("GEMINI_API_KEY environment variable not set")
		os.Exit(1)
	}
	addr := os.Getenv("DESKPILOT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	modelName := os.Getenv("DESKPILOT_MODEL")
	if modelName == "" {
		modelName = defaultModel
	}
	image := os.Getenv("DESKPILOT_DESKTOP_IMAGE")
	if image == "" {
		image = docker.DesktopImage
	}
	shotsDir := os.Getenv("DESKPILOT_SHOTS_DIR")
	if shotsDir == "" {
		wd, _ := os.Getwd()
		shotsDir = filepath.Join(wd, "data", "screenshots")
	}

	ctx := context.Background()

	// Initialize screenshot store.
	store, err := shots.New(shotsDir)
	if err != nil {
		slog.Error("Failed to initialize screenshot store", "error", err)
		os.Exit(1)
	}

	// Initialize model provider.
	provider, err := gemini.New(ctx, apiKey, modelName)
	if err != nil {
		slog.Error("Failed to initialize Gemini provider", "error", err)
		os.Exit(1)
	}

	// Initialize desktop manager.
	desktops, err := docker.New(image)
	if err != nil {
		slog.Error("Failed to initialize desktop manager", "error", err)
		os.Exit(1)
	}
	defer desktops.Close()

	// Start the idle desktop reaper in background.
	go func() {
		if err := desktops.Reap(ctx); err != nil {
			slog.Error("Desktop reaper stopped", "error", err)
		}
	}()

	// Initialize the agent loop.
	loop := agent.New(provider, desktops, store)

	// Start server.
	srv := server.New(loop, desktops, store)
	if err := srv.Start(addr); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
