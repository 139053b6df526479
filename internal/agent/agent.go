package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/tools"
)

// Agent is the top-level local agent. It owns the SQLite store, the tool
// registry, the relay worker and the local API server.
type Agent struct {
	cfg        *Config
	store      *tools.Store
	registry   *tools.Registry
	worker     *relay.Worker
	httpServer *http.Server // nil when the local API is disabled
	logger     *slog.Logger
}

// New opens the local store, builds and validates the registry, and wires
// the relay worker to the cloud backend.
func New(cfg *Config, logger *slog.Logger) (*Agent, error) {
	store, err := tools.OpenStore(filepath.Join(cfg.DataDir, "agent.db"))
	if err != nil {
		return nil, err
	}

	registry, err := BuildRegistry(cfg, store, quartz.NewReal())
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := relay.NewMetrics(reg, registry.Names())

	source := NewHTTPSource(cfg.CloudURL, cfg.Secret, cfg.AgentID,
		&http.Client{Timeout: cfg.RequestTimeout})

	worker := relay.NewWorker(source, tools.Dispatcher{Registry: registry}, relay.WorkerConfig{
		PollInterval: cfg.PollInterval,
		ToolTimeout:  cfg.ToolTimeout,
		Metrics:      metrics,
	}, logger.With("component", "relay_worker"))

	a := &Agent{
		cfg:      cfg,
		store:    store,
		registry: registry,
		worker:   worker,
		logger:   logger,
	}

	if cfg.Port > 0 {
		api := NewLocalAPI(registry, store, cfg.Secret, cfg.ToolTimeout,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil, logger.With("component", "local_api"))
		a.httpServer = &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// BuildRegistry registers every capability's handlers, applies
// AllowedTools and validates the result against the catalog.
func BuildRegistry(cfg *Config, store *tools.Store, clock quartz.Clock) (*tools.Registry, error) {
	files, err := tools.NewFiles(cfg.FilesBaseDir)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(tools.DefaultCatalog())
	files.Register(registry)
	tools.NewWeb(tools.WebConfig{BraveAPIKey: cfg.BraveAPIKey}, store, clock).Register(registry)
	tools.NewProductivity(store, clock, nil).Register(registry)
	tools.NewComms(store, cfg.SMTP, nil, clock).Register(registry)

	registry.Restrict(cfg.AllowedTools)
	if err := registry.Validate(cfg.AllowedTools); err != nil {
		return nil, err
	}
	return registry, nil
}

// Run polls the cloud and serves the local API until ctx is cancelled, then
// shuts both down and closes the store.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("local-agent starting",
		"cloud_url", a.cfg.CloudURL,
		"agent_id", a.cfg.AgentID,
		"files_base_dir", a.cfg.FilesBaseDir,
		"tools", a.registry.Names(),
		"smtp", a.cfg.SMTP.Host != "",
	)

	errCh := make(chan error, 1)
	if a.httpServer != nil {
		go func() {
			a.logger.Info("local API listening", "addr", a.httpServer.Addr)
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.worker.Run(workerCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("local API: %w", err)
	}

	cancelWorker()
	<-workerDone

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("local API shutdown error", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", "error", err)
	}
	a.logger.Info("local-agent stopped")
	return runErr
}
