package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/deps"
	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/history"
	"github.com/danmuck/forgectl/internal/instance"
	"github.com/danmuck/forgectl/internal/instance/minecraft"
	"github.com/danmuck/forgectl/internal/monitor"
	"github.com/danmuck/forgectl/internal/ports"
	"github.com/danmuck/forgectl/internal/stateful"
	"github.com/danmuck/forgectl/internal/users"
)

// Bootstrap performs the ordered startup sequence and returns the assembled
// Core. Any failure here is fatal; the caller exits rather than serving with
// a partially initialized state bundle.
func Bootstrap(ctx context.Context, cfg Config) (*Core, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataRoot, cfg.InstancesDir(), cfg.BinariesDir(), cfg.StoresDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("core: create data dir %q: %w", dir, err)
		}
	}

	if cfg.SkipDependencyDownload {
		log.Debug().Msg("dependency download skipped")
	} else if err := deps.Ensure(ctx, cfg.BinariesDir(), cfg.DependencyBaseURL); err != nil {
		return nil, err
	}

	bus := events.NewBus()

	store, err := users.Load(cfg.UsersFile())
	if err != nil {
		return nil, err
	}
	usersFile := cfg.UsersFile()
	persistUsers := func(store *users.Store) error {
		return users.Save(usersFile, *store)
	}
	userState := stateful.New(store, persistUsers, persistUsers)

	setupKey := ""
	if !users.HasOwner(store) {
		setupKey = users.NewSetupKey()
		log.Warn().
			Str("setup_key", setupKey).
			Msg("no owner account found, use this one-time key to complete setup")
	}

	if err := minecraft.Register(); err != nil && !errors.Is(err, instance.ErrGameTypeExists) {
		return nil, err
	}

	registry, err := instance.Restore(cfg.InstancesDir(), bus)
	if err != nil {
		return nil, err
	}
	registry.AutoStart(ctx)

	claimed := make(map[int]struct{}, registry.Len())
	for _, handle := range registry.List() {
		claimed[handle.Port()] = struct{}{}
	}
	allocator := ports.NewAllocator(claimed, cfg.PortRangeStart, cfg.PortRangeEnd)

	core := &Core{
		cfg:          cfg,
		Bus:          bus,
		Registry:     registry,
		Ports:        allocator,
		MonitorStore: monitor.NewStore(),
		Tokens:       users.NewTokenStore(),
		users:        userState,
		// History is memory-only; nil persistence makes every checkpoint a
		// no-op.
		// TODO: persist history buffers under StoresDir at shutdown so event
		// and console history survives restarts.
		eventBuffer: stateful.New(history.NewBuffer[events.Event](EventHistoryCap), nil, nil),
		consoleBuffers: stateful.New(
			make(map[string]*history.Buffer[events.Event]),
			nil, nil,
		),
		setupKey:   setupKey,
		ClientID:   uuid.NewString(),
		ClientName: cfg.ClientName,
		UpSince:    time.Now().UTC(),
	}

	log.Info().
		Str("client_id", core.ClientID).
		Str("data_root", cfg.DataRoot).
		Int("instances", registry.Len()).
		Msg("core bootstrapped")
	return core, nil
}
