package daemon

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/stewardmcp/steward/internal/config"
	"github.com/stewardmcp/steward/pkg/events"
	"github.com/stewardmcp/steward/pkg/mcp"
)

// watchConfig arms an fsnotify watcher on the config file. Editors replace
// files rather than writing in place, so the watch covers the parent
// directory and filters on the file name.
func (d *Daemon) watchConfig() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(d.cfgPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go d.watchLoop(watcher)
	log.Info().Str("path", d.cfgPath).Msg("Watching config for changes")
	return watcher, nil
}

func (d *Daemon) watchLoop(watcher *fsnotify.Watcher) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.cfgPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Editors fire bursts of events per save; collapse them.
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, d.reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// reload re-reads the config file and applies the server diff: new ids are
// registered and started, changed definitions are reloaded in place, and
// removed ids are stopped and deregistered. Supervision thresholds stay as
// loaded at startup; only the fleet changes at runtime.
func (d *Daemon) reload() {
	next, err := config.Load(d.cfgPath)
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed to parse, keeping previous config")
		return
	}
	if err := next.Validate(); err != nil {
		log.Error().Err(err).Msg("Config reload failed validation, keeping previous config")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()

	added, changed, removed := d.applyServerDiff(ctx, d.cfg.Servers, next.Servers)
	d.cfg = next

	log.Info().
		Int("added", added).
		Int("changed", changed).
		Int("removed", removed).
		Msg("Config reloaded")
	d.broadcaster.Broadcast(events.EventReload, "", map[string]interface{}{
		"added":   added,
		"changed": changed,
		"removed": removed,
	})
}

func (d *Daemon) applyServerDiff(ctx context.Context, old, next map[string]mcp.Definition) (added, changed, removed int) {
	for id, def := range next {
		prev, existed := old[id]
		switch {
		case !existed:
			serverCfg, err := mcp.FromDefinition(id, def)
			if err != nil {
				log.Error().Err(err).Str("server", id).Msg("Skipping invalid new server")
				continue
			}
			if err := d.manager.Register(serverCfg); err != nil {
				log.Error().Err(err).Str("server", id).Msg("Failed to register new server")
				continue
			}
			added++
			if err := d.manager.Start(ctx, id); err != nil {
				log.Warn().Err(err).Str("server", id).Msg("New server failed to start")
			}

		case !reflect.DeepEqual(prev, def):
			serverCfg, err := mcp.FromDefinition(id, def)
			if err != nil {
				log.Error().Err(err).Str("server", id).Msg("Skipping invalid changed server")
				continue
			}
			if err := d.manager.Reload(ctx, serverCfg); err != nil {
				log.Error().Err(err).Str("server", id).Msg("Failed to reload server")
				continue
			}
			changed++
		}
	}

	for id := range old {
		if _, still := next[id]; still {
			continue
		}
		if err := d.manager.Remove(ctx, id); err != nil {
			log.Error().Err(err).Str("server", id).Msg("Failed to remove server")
			continue
		}
		removed++
	}
	return added, changed, removed
}
