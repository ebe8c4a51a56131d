package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/asep/peerpractice/internal/history"
	"github.com/asep/peerpractice/internal/relay"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	config := relay.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Auth (optional) ---
	auth := relay.NewAuthenticator(os.Getenv("JWT_SECRET"))

	// --- Transcript archive (optional) ---
	var buffer *relay.TranscriptBuffer
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to reach postgres: %v", err)
		}
		if err := history.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		buffer = relay.NewTranscriptBuffer(history.NewStore(db))
		defer db.Close()
	}

	// --- NATS bridge (optional) ---
	server := relay.NewServer(config, auth, buffer, nil)
	var bridge *relay.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		bridgeConfig := relay.DefaultBridgeConfig()
		bridgeConfig.URL = natsURL
		var err error
		bridge, err = relay.NewBridge(bridgeConfig, server.Registry())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		server.SetForwarder(bridge)
	}

	log.Printf("peer-practice relay starting")
	log.Printf("  listen_addr:   %s", config.ListenAddr)
	log.Printf("  write_timeout: %s", config.WriteTimeout)
	log.Printf("  auth:          %v", auth != nil)
	log.Printf("  archive:       %v", buffer != nil)
	log.Printf("  bridge:        %v", bridge != nil)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("relay server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if bridge != nil {
		bridge.Close()
	}
}
