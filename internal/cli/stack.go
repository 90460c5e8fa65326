package cli

import (
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/stewardmcp/steward/internal/config"
	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/gate"
	"github.com/stewardmcp/steward/pkg/mcp"
	"github.com/stewardmcp/steward/pkg/registry"
	"github.com/stewardmcp/steward/pkg/retry"
	"github.com/stewardmcp/steward/pkg/status"
)

// stack bundles the supervision components a command needs: the registry
// with its collaborators and the durable status store behind them.
type stack struct {
	Manager *registry.Manager
	Tracker *status.Tracker
	Store   *status.Store
}

// Close releases the store. Servers must be stopped by the caller first.
func (s *stack) Close() {
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close status store")
		}
	}
}

// buildStack assembles tracker, store, isolator, retrier and gate from the
// config, restores persisted quarantine flags, and registers every
// configured server (still stopped).
func buildStack(cfg *config.Config, serverOpts mcp.Options) (*stack, error) {
	store, err := status.OpenStore(filepath.Join(cfg.DataDir, "status.db"))
	if err != nil {
		return nil, err
	}

	tracker := status.NewTracker(0, log.Logger)
	tracker.AttachStore(store)

	classifier := gate.NewClassifier()
	for name, category := range cfg.Gate.Overrides {
		if err := classifier.Set(name, gate.Category(category)); err != nil {
			store.Close()
			return nil, err
		}
	}

	mgr := registry.New(registry.Options{
		Tracker:    tracker,
		Isolator:   breaker.New(cfg.Breaker.IsolatorConfig(), log.Logger),
		Retrier:    retry.New(cfg.Retry.Policy(), log.Logger),
		Gate:       gate.New(),
		Classifier: classifier,
		Store:      store,
		Server:     serverOpts,
	})

	if err := mgr.RestoreQuarantines(); err != nil {
		log.Warn().Err(err).Msg("Failed to restore quarantine flags")
	}

	ids := make([]string, 0, len(cfg.Servers))
	for id := range cfg.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		serverCfg, err := mcp.FromDefinition(id, cfg.Servers[id])
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := mgr.Register(serverCfg); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &stack{Manager: mgr, Tracker: tracker, Store: store}, nil
}
