package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/auth"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/queue"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

// Server is the top-level cloud backend that owns all subsystems.
type Server struct {
	config      *Config
	handler     http.Handler
	httpServer  *http.Server
	sweeper     *queue.Sweeper
	pending     *queue.PendingQueue
	heartbeat   *queue.Heartbeat
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewServer connects to Redis and builds a fully wired server.
//
// Architecture:
//   - The message handler enqueues a WorkItem and waits (bounded) on the
//     Response Store through relay.Client
//   - The local agent polls /relay/pending, executes, posts /relay/response,
//     then /relay/remove
//   - The Sweeper expires items only while no agent heartbeat is alive
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return newServer(cfg, redisClient, quartz.NewReal(), logger), nil
}

// newServer wires every component around an existing Redis client.
func newServer(cfg *Config, redisClient *redis.Client, clock quartz.Clock, logger *slog.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(reg, nil)

	verifier := auth.NewVerifier(cfg.AgentKeyHash, cfg.APIKeyHash, cfg.AuthCacheTTL, clock)

	pending := queue.NewPendingQueue(redisClient, cfg.RedisPrefix)
	results := queue.NewResponseStore(redisClient, cfg.RedisPrefix, cfg.ResultRetention)
	heartbeat := queue.NewHeartbeat(redisClient, cfg.RedisPrefix, cfg.HeartbeatTTL)
	limiter := queue.NewRateLimiter(redisClient, cfg.RedisPrefix, cfg.RateLimit, cfg.RateLimitWindow)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "pending_items",
		Help:      "Work items currently in the Pending Queue.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := pending.Len(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}))

	client := relay.NewClient(pending, results, relay.ClientConfig{
		PollInterval: cfg.PollInterval,
		Clock:        clock,
		Metrics:      metrics,
	}, logger.With("component", "relay_client"))

	relayHandler := NewRelayHandler(verifier, pending, results, heartbeat, clock,
		logger.With("component", "relay"))
	messageHandler := NewMessageHandler(verifier, limiter, client, tools.DefaultCatalog(),
		cfg.WaitTimeout, clock, logger.With("component", "messages"))

	sweeper := queue.NewSweeper(pending, results, heartbeat,
		cfg.PendingMaxAge, cfg.SweepInterval, clock, logger.With("component", "sweeper"))

	s := &Server{
		config:      cfg,
		sweeper:     sweeper,
		pending:     pending,
		heartbeat:   heartbeat,
		redisClient: redisClient,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/relay/", relayHandler)
	mux.Handle(protocol.PathMessages, messageHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, protocol.ErrTypeNotFound, "endpoint not found")
	})

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP connections and starts the background sweeper.
// It blocks until the context is cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	sweeperCtx, sweeperCancel := context.WithCancel(ctx)
	defer sweeperCancel()

	go s.sweeper.Run(sweeperCtx)

	s.logger.Info("cloud-backend starting",
		"addr", s.config.ListenAddr(),
		"embedded_redis", s.config.EmbeddedRedis,
		"wait_timeout", s.config.WaitTimeout.String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources. In-flight
// waits get up to the shutdown timeout to finish.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.WaitTimeout+5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// handleHealth reports Redis reachability, the pending queue length and
// which agents polled recently. With ?agent=<id> it also reports whether that
// agent is alive. No auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok", "redis": "ok"}

	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["redis"] = err.Error()
		writeJSON(w, status, body)
		return
	}

	if n, err := s.pending.Len(ctx); err == nil {
		body["pending"] = n
	}
	agents, err := s.heartbeat.LiveAgentIDs(ctx)
	if err != nil || agents == nil {
		agents = []string{}
	}
	body["agents"] = agents
	body["agent_online"] = len(agents) > 0

	if id := r.URL.Query().Get("agent"); id != "" {
		alive, err := s.heartbeat.IsAlive(ctx, id)
		if err != nil {
			s.logger.Warn("checking agent heartbeat", "agent_id", id, "error", err)
		}
		body["agent_alive"] = alive
	}

	writeJSON(w, status, body)
}

// writeJSON encodes v before writing the header, so an encoding failure
// becomes a 500 rather than a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(protocol.ErrorResponse{
			Error: protocol.ErrorBody{Type: protocol.ErrTypeServer, Message: "encoding response: " + err.Error()},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, protocol.ErrorResponse{
		Error: protocol.ErrorBody{Type: errType, Message: message},
	})
}
