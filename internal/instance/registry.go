package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/events"
)

// Registry is the concurrency-safe map from instance id to handle. The
// registry lock guards only the map operations; it is never held across a
// handle's own lifecycle operations.
type Registry struct {
	mu    sync.Mutex
	items map[string]Instance
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Instance)}
}

// Restore scans a directory of per-instance subdirectories and rebuilds a
// handle for every one carrying a marker file. Subdirectories without the
// marker are silently skipped. Unreadable or malformed configuration and
// unrecognized game types are fatal: restore fails rather than dropping an
// instance (fail-fast policy).
func Restore(instancesDir string, bus *events.Bus) (*Registry, error) {
	registry := NewRegistry()
	dirEntries, err := os.ReadDir(instancesDir)
	if err != nil {
		return nil, fmt.Errorf("instance: read %q: %w", instancesDir, err)
	}
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(instancesDir, entry.Name())
		markerPath := filepath.Join(dir, ConfigFileName)
		raw, err := os.ReadFile(markerPath)
		if os.IsNotExist(err) {
			log.Debug().Str("dir", dir).Msg("skipping directory without marker file")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("instance: read marker %q: %w", markerPath, err)
		}

		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("instance: parse marker %q: %w", markerPath, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%w (%s)", err, markerPath)
		}

		factory, ok := lookupFactory(cfg.GameType)
		if !ok {
			return nil, fmt.Errorf("%w: %q (%s)", ErrUnknownGameType, cfg.GameType, markerPath)
		}
		handle, err := factory(dir, raw, bus)
		if err != nil {
			return nil, fmt.Errorf("instance: restore %q: %w", cfg.Name, err)
		}
		log.Debug().Str("name", handle.Name()).Str("game_type", handle.GameType()).Msg("restored instance")
		registry.Insert(handle.ID(), handle)
	}
	return registry, nil
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.items[id]
	return handle, ok
}

// Insert registers a handle under id, replacing any existing entry.
func (r *Registry) Insert(id string, handle Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = handle
}

// Remove unregisters and returns the handle under id. Removal is the only way
// an instance becomes ungoverned; callers must have stopped it first.
func (r *Registry) Remove(id string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return handle, ok
}

// List returns a snapshot of all handles ordered by instance name.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	out := make([]Instance, 0, len(r.items))
	for _, handle := range r.items {
		out = append(out, handle)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// AutoStart starts every handle flagged auto-start. Start failures are logged
// and do not abort the remaining instances.
func (r *Registry) AutoStart(ctx context.Context) {
	for _, handle := range r.List() {
		if !handle.AutoStart() {
			continue
		}
		log.Info().Str("name", handle.Name()).Msg("auto starting instance")
		if err := handle.Start(ctx); err != nil {
			log.Error().Err(err).Str("name", handle.Name()).Msg("failed to auto start instance")
		}
	}
}

// StopAll stops every registered handle sequentially, best effort. Failures
// to stop one instance never prevent stopping the others.
func (r *Registry) StopAll(ctx context.Context) {
	for _, handle := range r.List() {
		if err := handle.Stop(ctx); err != nil {
			log.Error().Err(err).Str("name", handle.Name()).Msg("failed to stop instance")
		}
	}
}
