// Package instance defines the capability set every supervised instance
// implements and the concurrency-safe registry that owns the handles.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/monitor"
)

// ConfigFileName marks a directory as a managed instance. Its presence is the
// sole marker; directories without it are not instances.
const ConfigFileName = ".forge_config"

var (
	ErrUnknownGameType = errors.New("instance: unknown game type")
	ErrGameTypeExists  = errors.New("instance: game type already registered")
	ErrNilFactory      = errors.New("instance: nil factory")
)

// State is the lifecycle state an instance handle reports.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config is the game-type-independent part of the persisted marker file.
// Game-type-specific fields are deserialized by that variant's own schema.
type Config struct {
	ID        string `json:"uuid"`
	Name      string `json:"name"`
	GameType  string `json:"game_type"`
	Port      int    `json:"port"`
	AutoStart bool   `json:"auto_start"`
}

// Validate enforces the fields the registry requires of every marker file.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("instance: config missing uuid")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("instance: config missing name")
	}
	if strings.TrimSpace(c.GameType) == "" {
		return fmt.Errorf("instance: config missing game_type")
	}
	return nil
}

// Instance is the capability set the orchestrator controls one worker
// through. Implementations serialize their own lifecycle operations: the
// handle's lock is held for the full duration of Start/Stop/Restart/Monitor
// so at most one operation runs per instance at a time.
type Instance interface {
	ID() string
	Name() string
	GameType() string
	Port() int
	AutoStart() bool
	State() State

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// SendCommand writes one administration command to the instance console.
	SendCommand(ctx context.Context, command string) error

	// Monitor never fails; when the process is not running it returns a
	// degraded report.
	Monitor(ctx context.Context) monitor.Report
}

// Factory rebuilds one instance handle from its directory and raw persisted
// configuration.
type Factory func(dir string, raw json.RawMessage, bus *events.Bus) (Instance, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterGameType binds a game-type tag (case-insensitive) to its variant
// constructor. New game types extend this set; the registry never changes.
func RegisterGameType(gameType string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(gameType))
	if key == "" {
		return fmt.Errorf("%w: empty tag", ErrUnknownGameType)
	}
	if factory == nil {
		return ErrNilFactory
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[key]; ok {
		return fmt.Errorf("%w: %s", ErrGameTypeExists, key)
	}
	factories[key] = factory
	return nil
}

func lookupFactory(gameType string) (Factory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factory, ok := factories[strings.ToLower(strings.TrimSpace(gameType))]
	return factory, ok
}
