package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketchat/api"
	"marketchat/config"
	"marketchat/messaging"
	"marketchat/realtime"
	"marketchat/session"
	"marketchat/storage"
)

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	sessionSource, err := session.NewFileSource(cfg.SessionPath)
	if err != nil {
		log.Fatalf("startup failed while opening session source: %v", err)
	}
	userID, err := sessionSource.UserID()
	if err != nil || userID <= 0 {
		log.Fatalf("no authenticated session at %s: %v", cfg.SessionPath, err)
	}
	credential, err := sessionSource.Credential()
	if err != nil {
		log.Fatalf("no credential available: %v", err)
	}
	if expiry, err := session.TokenExpiry(credential); err == nil {
		log.Printf("credential expires at %s", expiry.Format(time.RFC3339))
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir, sessionFingerprint(userID, credential))
	if err != nil {
		log.Fatalf("startup failed while opening local state: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("local state close error: %v", err)
		}
	}()

	apiClient, err := api.NewClient(api.Options{
		BaseURL: cfg.APIBaseURL,
		Session: sessionSource,
	})
	if err != nil {
		log.Fatalf("startup failed while building API client: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	realtimeClient, err := realtime.NewClient(realtime.Options{
		URL:        cfg.RealtimeURL,
		Session:    sessionSource,
		Dispatcher: dispatcher,
	})
	if err != nil {
		log.Fatalf("startup failed while building realtime client: %v", err)
	}

	service, err := messaging.NewService(messaging.Options{
		SelfID:     userID,
		API:        apiClient,
		Realtime:   realtimeClient,
		Dispatcher: dispatcher,
		State:      store,
		OnUnreadTotal: func(total int) {
			log.Printf("unread total: %d", total)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building messaging service: %v", err)
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := realtimeClient.Connect(ctx, userID); err != nil {
		log.Fatalf("gateway connect failed: %v", err)
	}
	defer realtimeClient.Disconnect()

	if err := service.Hydrate(ctx); err != nil {
		log.Printf("hydration failed, continuing with live events only: %v", err)
	}

	fmt.Printf("User ID:        %d\n", userID)
	fmt.Printf("API Endpoint:   %s\n", cfg.APIBaseURL)
	fmt.Printf("Gateway:        %s\n", cfg.RealtimeURL)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("State Database: %s\n", dbPath)
	for _, summary := range service.Registry().Conversations() {
		fmt.Printf("  [%s] %s %q (unread %d)\n",
			summary.Key, summary.Counterpart.Username, summary.LastMessage.Body, summary.Unread)
	}

	fmt.Println("Status:         running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:         shutting down")
}

// sessionFingerprint scopes local state to one login: the same credential
// maps to the same id across restarts while a fresh login rotates it.
func sessionFingerprint(userID int, credential string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", userID, credential)))
	return hex.EncodeToString(sum[:16])
}
