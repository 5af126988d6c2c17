package main

import (
	"log"
	"os"

	"github.com/rawblock/cellar-engine/internal/api"
	"github.com/rawblock/cellar-engine/internal/db"
	"github.com/rawblock/cellar-engine/internal/engine"
)

func main() {
	log.Println("Starting Cellar Ledger Engine (Microservice: cellar-ledger-core)...")
	log.Println("Initializing operation engine with exact integer conservation math...")

	// ─── Environment Variables ──────────────────────────────────────────
	// DATABASE_URL is optional: without it the engine runs on the in-memory
	// store. Everything committed in that mode is lost on restart — fine
	// for development, never for production. Settings come from the process
	// environment only; no .env file is loaded.
	// ────────────────────────────────────────────────────────────────────

	var store db.Store
	if dbUrl := os.Getenv("DATABASE_URL"); dbUrl != "" {
		dbConn, err := db.Connect(dbUrl)
		if err != nil {
			log.Fatalf("FATAL: DATABASE_URL is set but the connection failed: %v", err)
		}
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Fatalf("FATAL: DB schema init failed: %v", err)
		}
		store = dbConn
	} else {
		log.Println("WARNING: DATABASE_URL not set — running on the in-memory store (volatile, dev only)")
		store = db.NewMemoryStore()
	}

	eng := engine.New(store)

	// Setup WebSocket Hub for the committed-operation stream
	wsHub := api.NewHub()
	go wsHub.Run()

	// Setup the Gin Router
	r := api.SetupRouter(store, eng, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: cellar-ledger-core)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
