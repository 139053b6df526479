// Command local-agent runs the tool agents on the user's own machine.
//
// It polls cloud-backend for queued tool calls, runs them against local
// files, a local SQLite store, the web and SMTP, and posts the results back.
// All traffic is outbound; nothing needs to be exposed to the internet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coder/quartz"
	"github.com/joho/godotenv"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/internal/agent"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/logutil"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("local-agent v" + version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "tools":
			if err := listTools(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := agent.LoadConfig()
	if err != nil {
		logutil.New("local-agent", os.Getenv("LOG_LEVEL")).Error("configuration error", "error", err.Error())
		os.Exit(1)
	}
	logger := logutil.New("local-agent", cfg.LogLevel)

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// listTools prints the tools this machine would serve with the current
// configuration, grouped by capability.
func listTools() error {
	cfg, err := agent.LoadConfig()
	if err != nil {
		return err
	}
	store, err := tools.OpenStore(filepath.Join(cfg.DataDir, "agent.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := agent.BuildRegistry(cfg, store, quartz.NewReal())
	if err != nil {
		return err
	}

	catalog := registry.Catalog()
	byCap := map[tools.Capability][]tools.ToolDefinition{}
	for _, def := range registry.Definitions() {
		byCap[def.Capability] = append(byCap[def.Capability], def)
	}
	for _, info := range catalog.Capabilities {
		defs := byCap[info.Capability]
		if len(defs) == 0 {
			continue
		}
		fmt.Printf("%s %s\n", info.Emoji, info.Name)
		for _, def := range defs {
			fmt.Printf("  %-24s %s\n", def.Name, def.Description)
		}
		fmt.Println()
	}
	return nil
}

func printHelp() {
	fmt.Println(`local-agent — runs Files, Web, Productivity and Comms tools for cloud-backend

Usage:
  local-agent           Poll cloud-backend and execute queued tool calls
  local-agent tools     List the tools enabled by the current configuration
  local-agent version   Print version
  local-agent help      Print this help

Environment Variables:
  CLOUD_BACKEND_URL     Base URL of cloud-backend (required)
  LOCAL_AGENT_SECRET    Agent key from "cloud-backend setup" (required)
  LOCAL_AGENT_CONFIG    Optional YAML config file; env vars override it
  AGENT_ID              Name reported to the cloud (default: hostname)
  POLLING_INTERVAL      Delay between relay cycles (default: 2s)
  REQUEST_TIMEOUT       Per request to cloud-backend (default: 15s)
  TOOL_TIMEOUT          Per tool execution (default: 2m)
  PORT                  Local API port on 127.0.0.1, 0 disables (default: 3001)
  FILES_BASE_DIR        Root directory for file tools (default: home directory)
  DATA_DIR              SQLite location (default: ~/.whatsapp-agents)
  ALLOWED_TOOLS         Comma-separated tool names to enable (default: all)
  BRAVE_API_KEY         Brave Search API key (web_search)
  SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM
                        Outgoing mail; without SMTP_HOST, email_send only records locally
  LOG_LEVEL             debug, info, warn, error (default: info)`)
}
