// Package daemon is the composition root for `steward serve`: it wires the
// supervision stack, the event stream, the cleanup janitor and the config
// watcher together and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/stewardmcp/steward/internal/config"
	"github.com/stewardmcp/steward/internal/observability"
	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/events"
	"github.com/stewardmcp/steward/pkg/gate"
	"github.com/stewardmcp/steward/pkg/mcp"
	"github.com/stewardmcp/steward/pkg/registry"
	"github.com/stewardmcp/steward/pkg/retry"
	"github.com/stewardmcp/steward/pkg/status"
)

const (
	httpReadTimeout = 10 * time.Second
	httpIdleTimeout = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	stopAllTimeout  = 30 * time.Second
	reloadDebounce  = 500 * time.Millisecond
	healthzEndpoint = "/healthz"
	metricsEndpoint = "/metrics"
	wsEndpoint      = "/ws"
)

// Daemon owns the long-running supervisor process.
type Daemon struct {
	cfg     *config.Config
	cfgPath string

	manager     *registry.Manager
	tracker     *status.Tracker
	store       *status.Store
	janitor     *status.Janitor
	hub         *events.Hub
	broadcaster *events.Broadcaster
	httpServer  *http.Server

	started time.Time
}

// New assembles the daemon from a validated config. Servers are registered
// but not started; Run starts them.
func New(cfg *config.Config, cfgPath string) (*Daemon, error) {
	store, err := status.OpenStore(filepath.Join(cfg.DataDir, "status.db"))
	if err != nil {
		return nil, err
	}

	tracker := status.NewTracker(0, log.Logger)
	tracker.AttachStore(store)

	hub := events.NewHub()
	broadcaster := events.NewBroadcaster(hub, log.Logger)

	// Every tracked event goes out on the stream; lifecycle transitions get
	// their own frame from the server hook below.
	tracker.OnEvent(func(ev status.Event) {
		broadcaster.Broadcast(ev.Type, ev.ServerID, ev.Details)
	})

	classifier := gate.NewClassifier()
	for name, category := range cfg.Gate.Overrides {
		if err := classifier.Set(name, gate.Category(category)); err != nil {
			store.Close()
			return nil, err
		}
	}

	manager := registry.New(registry.Options{
		Tracker:    tracker,
		Isolator:   breaker.New(cfg.Breaker.IsolatorConfig(), log.Logger),
		Retrier:    retry.New(cfg.Retry.Policy(), log.Logger),
		Gate:       gate.New(),
		Classifier: classifier,
		Store:      store,
		Server: mcp.Options{
			OnStateChange: func(id string, state status.State) {
				broadcaster.Broadcast(events.EventStateChange, id, map[string]interface{}{
					"state": string(state),
				})
			},
		},
	})

	if err := manager.RestoreQuarantines(); err != nil {
		log.Warn().Err(err).Msg("Failed to restore quarantine flags")
	}
	if err := registerServers(manager, cfg.Servers); err != nil {
		store.Close()
		return nil, err
	}

	janitor, err := status.NewJanitor(tracker, cfg.Cleanup.Schedule, cfg.Cleanup.RetentionDays)
	if err != nil {
		store.Close()
		return nil, err
	}

	loader := config.NewLoader(cfgPath)
	d := &Daemon{
		cfg:         cfg,
		cfgPath:     loader.GetConfigPath(),
		manager:     manager,
		tracker:     tracker,
		store:       store,
		janitor:     janitor,
		hub:         hub,
		broadcaster: broadcaster,
	}
	d.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Events.Host, fmt.Sprintf("%d", cfg.Events.Port)),
		Handler:     d.routes(),
		ReadTimeout: httpReadTimeout,
		IdleTimeout: httpIdleTimeout,
	}
	return d, nil
}

func registerServers(manager *registry.Manager, defs map[string]mcp.Definition) error {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		serverCfg, err := mcp.FromDefinition(id, defs[id])
		if err != nil {
			return err
		}
		if err := manager.Register(serverCfg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(healthzEndpoint, d.handleHealthz)
	mux.Handle(metricsEndpoint, observability.MetricsHandler())
	mux.Handle(wsEndpoint, events.NewHandler(d.hub, log.Logger))
	return mux
}

// Run starts the fleet and blocks until the context is cancelled or a
// SIGINT/SIGTERM arrives, then shuts everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.started = time.Now()

	// Individual failures are survivable; the breaker handles repeat
	// offenders once traffic flows.
	for id, err := range d.manager.StartAll(ctx) {
		log.Warn().Err(err).Str("server", id).Msg("Server failed to start")
	}

	d.janitor.Start()

	watcher, err := d.watchConfig()
	if err != nil {
		log.Warn().Err(err).Str("path", d.cfgPath).Msg("Config watcher unavailable, hot reload disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", d.httpServer.Addr).Msg("Event stream listening")
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		d.shutdown(watcher)
		return err
	}

	d.shutdown(watcher)
	return nil
}

func (d *Daemon) shutdown(watcher *fsnotify.Watcher) {
	if watcher != nil {
		watcher.Close() //nolint:errcheck
	}
	d.janitor.Stop()

	httpCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	d.hub.CloseAll()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()
	for id, err := range d.manager.StopAll(stopCtx) {
		log.Warn().Err(err).Str("server", id).Msg("Server failed to stop cleanly")
	}

	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close status store")
	}
	log.Info().Msg("Daemon stopped")
}
