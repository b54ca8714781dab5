package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("[chatmux] Failed to load config: %v", err)
	}

	instanceLock, err := AcquireInstanceLock(cfg.BotToken)
	if err != nil {
		log.Fatalf("[chatmux] %v", err)
	}
	defer instanceLock.Release()

	registryPath := os.Getenv("CHATMUX_REGISTRY_PATH")
	if registryPath == "" {
		registryPath = filepath.Join(os.TempDir(), "chatmux-registry.json")
	}
	registry := NewRegistryStore(registryPath)

	muxer := NewTmuxAdapter()

	fetcher := NewFileFetcher(cfg.MultiSession.TempFileRetentionDays, cfg.Timing.DownloadTimeout, cfg.BotToken)
	transcript := NewTranscriptLogger(cfg.Transcript)

	chat, err := NewChatClient(cfg.BotToken, cfg.AppToken)
	if err != nil {
		log.Fatalf("[chatmux] Failed to create chat client: %v", err)
	}
	if err := chat.AuthTest(); err != nil {
		log.Fatalf("[chatmux] Slack auth test failed: %v", err)
	}
	log.Printf("[chatmux] Connected to workspace %s as %s", chat.workspaceURL, chat.BotUserID())

	sessions := NewSessionManager(cfg, registry, muxer, chat, fetcher, transcript, "")
	sessions.ReconcileOnStartup()
	sessions.StartSweeps()

	botCmd := NewBotCommandHandler(cfg, sessions, chat)
	router := NewInboundRouter(cfg, sessions, chat, botCmd)

	// Health check server, in the teacher's style.
	mux := http.NewServeMux()
	startTime := time.Now()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"service":     "chatmux-bridge",
			"uptime":      time.Since(startTime).Seconds(),
			"muxer_alive": sessions.IsMuxerAlive(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	healthPort := os.Getenv("CHATMUX_HEALTH_PORT")
	if healthPort == "" {
		healthPort = "8085"
	}
	go func() {
		addr := fmt.Sprintf(":%s", healthPort)
		log.Printf("[chatmux] Health server listening on http://localhost%s/health", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[chatmux] Health server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[chatmux] Shutting down...")
		cancel()
		sessions.Stop()
		instanceLock.Release()
	}()

	log.Println("[chatmux] Starting Socket Mode client...")
	if err := chat.Run(ctx, router.HandleEvent); err != nil && ctx.Err() == nil {
		log.Fatalf("[chatmux] Socket Mode client exited: %v", err)
	}
}
