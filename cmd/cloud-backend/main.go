// Command cloud-backend is the public half of the WhatsApp agents relay.
//
// It receives classified chat messages from the front end, queues tool calls
// in Redis for the local agent to pick up, and waits a bounded time for the
// result. The local agent cannot be reached from the internet, so it polls
// the /relay endpoints here instead.
//
// Usage:
//
//	# Start the server (requires LOCAL_AGENT_KEY_HASH and API_KEY_HASH)
//	cloud-backend
//
//	# Generate keys for initial setup
//	cloud-backend setup
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/internal/cloud"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/auth"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/logutil"
)

const version = "0.1.0"

func main() {
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			writeEnv := false
			for _, arg := range os.Args[2:] {
				if arg == "--write-env" {
					writeEnv = true
				}
			}
			runSetup(writeEnv)
			return
		case "version":
			fmt.Println("cloud-backend v" + version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	logger := logutil.New("cloud-backend", os.Getenv("LOG_LEVEL"))

	cfg, err := cloud.LoadConfig()
	if err != nil {
		logger.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}

	// Start embedded miniredis if no REDIS_URL provided. Queue contents are
	// lost on restart in this mode.
	var miniRedis *miniredis.Miniredis
	if cfg.RedisURL == "" {
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			os.Exit(1)
		}
		defer miniRedis.Close()
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		logger.Warn("REDIS_URL not set, using embedded redis (pending work is lost on restart)",
			"addr", miniRedis.Addr())

		// Miniredis TTLs only move when told to. Without this, results,
		// heartbeats and rate windows would never expire.
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				miniRedis.FastForward(time.Second)
			}
		}()
	}

	srv, err := cloud.NewServer(cfg, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runSetup generates the agent and API keys and prints the hashes the
// server needs. With --write-env the hashes go straight into .env.
func runSetup(writeEnv bool) {
	if writeEnv {
		if _, err := os.Stat(".env"); err == nil {
			fmt.Fprintln(os.Stderr, "Error: .env already exists. Remove it first or run setup without --write-env.")
			os.Exit(1)
		}
	}

	agentKey, err := auth.GenerateAgentKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating agent key: %v\n", err)
		os.Exit(1)
	}
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("cloud-backend setup")
	fmt.Println("===================")
	fmt.Println()

	fmt.Println("=== AGENT KEY (for local-agent) ===")
	fmt.Println("Set this on the machine running local-agent:")
	fmt.Printf("  LOCAL_AGENT_SECRET=%s\n", agentKey.Key)
	fmt.Println()

	fmt.Println("=== API KEY (for the chat front end) ===")
	fmt.Println("Send it as a Bearer token to POST /api/messages:")
	fmt.Printf("  %s\n", apiKey.Key)
	fmt.Println()

	fmt.Println("=== SAVE THESE KEYS NOW ===")
	fmt.Println("The plaintext keys above will NOT be shown again.")
	fmt.Println()

	envContent := fmt.Sprintf(
		"LOCAL_AGENT_KEY_HASH='%s'\nAPI_KEY_HASH='%s'\n# REDIS_URL=redis://localhost:6379  # Optional: uses embedded Redis if not set\n",
		agentKey.Hash, apiKey.Hash,
	)

	if writeEnv {
		if err := os.WriteFile(".env", []byte(envContent), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing .env: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Wrote .env (mode 0600)")
		return
	}
	fmt.Println("=== .env FILE ===")
	fmt.Println("Copy this into your .env file (or re-run with --write-env):")
	fmt.Println()
	fmt.Print(envContent)
}

func printHelp() {
	fmt.Println(`cloud-backend — public relay between the chat front end and local-agent

Usage:
  cloud-backend                     Start the server
  cloud-backend setup               Generate keys and print configuration
  cloud-backend setup --write-env   Write key hashes to .env
  cloud-backend version             Print version
  cloud-backend help                Print this help

Environment Variables:
  LOCAL_AGENT_KEY_HASH   Argon2id hash of the local agent secret (required)
  API_KEY_HASH           Argon2id hash of the message API key (required)
  PORT                   HTTP listen port (default: 8080)
  HOST                   Bind address (default: 0.0.0.0)
  REDIS_URL              Redis URL (optional, uses embedded in-memory Redis if not set)
  REDIS_PREFIX           Key prefix (default: agents:)
  RELAY_WAIT_TIMEOUT     How long a message waits for its result (default: 30s)
  RELAY_POLL_INTERVAL    Result polling interval (default: 1s)
  RESULT_RETENTION       Lifetime of an unread result (default: 5m)
  AGENT_HEARTBEAT_TTL    Agent counts as offline after this long without polling (default: 30s)
  PENDING_MAX_AGE        Expire queued work older than this while offline (default: 15m)
  SWEEP_INTERVAL         Stale work sweep interval (default: 1m)
  RATE_LIMIT             Messages per user per window, 0 disables (default: 30)
  RATE_LIMIT_WINDOW      Rate limit window (default: 60s)
  AUTH_CACHE_TTL         Key verification cache TTL (default: 5m)
  LOG_LEVEL              debug, info, warn, error (default: info)`)
}
