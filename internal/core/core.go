// Package core assembles the process-wide shared state and runs the
// orchestrator's background activities and lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/history"
	"github.com/danmuck/forgectl/internal/instance"
	"github.com/danmuck/forgectl/internal/monitor"
	"github.com/danmuck/forgectl/internal/observability"
	"github.com/danmuck/forgectl/internal/ports"
	"github.com/danmuck/forgectl/internal/stateful"
	"github.com/danmuck/forgectl/internal/users"
)

const (
	// EventHistoryCap bounds the global event history.
	EventHistoryCap = 512
	// ConsoleHistoryCap bounds each instance's console history.
	ConsoleHistoryCap = 512
)

var (
	ErrInstanceNotFound = errors.New("core: instance not found")
	ErrNameInUse        = errors.New("core: instance name already in use")
	ErrPortInUse        = errors.New("core: requested port already in use")
	ErrSetupComplete    = errors.New("core: setup already completed")
)

// Core is the process-wide shared state bundle, created once at startup and
// passed to every background activity and request handler. Teardown is an
// explicit last step of Run, not a destructor side effect.
type Core struct {
	cfg Config

	Bus          *events.Bus
	Registry     *instance.Registry
	Ports        *ports.Allocator
	MonitorStore *monitor.Store
	Tokens       *users.TokenStore

	usersMu sync.Mutex
	users   *stateful.Stateful[users.Store]

	eventsMu    sync.Mutex
	eventBuffer *stateful.Stateful[*history.Buffer[events.Event]]

	consoleMu      sync.Mutex
	consoleBuffers *stateful.Stateful[map[string]*history.Buffer[events.Event]]

	setupMu  sync.Mutex
	setupKey string

	// Serializes instance creation end to end (name check through Insert).
	createMu sync.Mutex

	ClientID   string
	ClientName string
	UpSince    time.Time
}

// Config returns the effective daemon configuration.
func (c *Core) Config() Config {
	return c.cfg
}

// RunEventDistribution drains one bus subscription forever, classifying each
// event into the appropriate history buffer. It exits when the bus closes or
// ctx is done. A lagged subscription logs a warning and continues; histories
// simply show a gap.
func (c *Core) RunEventDistribution(ctx context.Context) error {
	sub := c.Bus.Subscribe(c.cfg.SubscriberQueueCapacity)
	defer c.Bus.Unsubscribe(sub)
	for {
		event, err := sub.Recv(ctx)
		if err != nil {
			var lag *events.LagError
			switch {
			case errors.As(err, &lag):
				log.Warn().Uint64("missed", lag.Missed).Msg("event distribution lagged")
				observability.RecordEventsMissed(lag.Missed)
				continue
			case errors.Is(err, events.ErrClosed):
				log.Warn().Msg("event distribution closed")
				return nil
			default:
				return err
			}
		}
		c.recordEvent(event)
	}
}

// recordEvent is the single place event routing lives: console output goes to
// its instance's console buffer, everything else to the global buffer.
func (c *Core) recordEvent(event events.Event) {
	observability.RecordEventPublished(string(event.Kind))
	if event.IsConsoleOutput() {
		c.consoleMu.Lock()
		err := c.consoleBuffers.Transform(func(buffers *map[string]*history.Buffer[events.Event]) error {
			buf, ok := (*buffers)[event.InstanceID]
			if !ok {
				buf = history.NewBuffer[events.Event](ConsoleHistoryCap)
				(*buffers)[event.InstanceID] = buf
			}
			buf.Push(event)
			return nil
		})
		c.consoleMu.Unlock()
		if err != nil {
			log.Error().Err(err).Msg("console buffer transform failed")
		}
		return
	}
	c.eventsMu.Lock()
	err := c.eventBuffer.Transform(func(buf **history.Buffer[events.Event]) error {
		(*buf).Push(event)
		return nil
	})
	c.eventsMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("event buffer transform failed")
	}
}

// RunMonitorLoop samples every registered instance on the configured
// interval until ctx is done.
func (c *Core) RunMonitorLoop(ctx context.Context) error {
	loop := monitor.NewLoop(c.cfg.MonitorInterval, c.snapshotters, c.MonitorStore, observability.ObserveMonitorTick)
	return loop.Run(ctx)
}

func (c *Core) snapshotters() []monitor.Snapshotter {
	handles := c.Registry.List()
	out := make([]monitor.Snapshotter, 0, len(handles))
	for _, handle := range handles {
		out = append(out, handle)
	}
	return out
}

// EventHistory returns up to limit most-recent global events in order.
// A non-positive limit returns everything retained.
func (c *Core) EventHistory(limit int) []events.Event {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	buf := *c.eventBuffer.Get()
	if limit <= 0 {
		return buf.Snapshot()
	}
	return buf.Last(limit)
}

// ConsoleHistory returns up to limit most-recent console lines for one
// instance.
func (c *Core) ConsoleHistory(instanceID string, limit int) []events.Event {
	c.consoleMu.Lock()
	buf, ok := (*c.consoleBuffers.Get())[instanceID]
	c.consoleMu.Unlock()
	if !ok {
		return nil
	}
	if limit <= 0 {
		return buf.Snapshot()
	}
	return buf.Last(limit)
}

func (c *Core) dropConsoleBuffer(instanceID string) {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()
	err := c.consoleBuffers.Transform(func(buffers *map[string]*history.Buffer[events.Event]) error {
		delete(*buffers, instanceID)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("console buffer transform failed")
	}
}

// MonitorHistory returns the retained monitoring reports for one instance.
func (c *Core) MonitorHistory(instanceID string) []monitor.Report {
	return c.MonitorStore.History(instanceID)
}

// SetupKey returns the one-shot first-run key, empty once consumed or when
// an owner already existed at startup.
func (c *Core) SetupKey() string {
	c.setupMu.Lock()
	defer c.setupMu.Unlock()
	return c.setupKey
}

// NeedsSetup reports whether first-run setup is still pending.
func (c *Core) NeedsSetup() bool {
	return c.SetupKey() != ""
}

// ConsumeSetupKey exchanges the first-run key for an owner account. The key
// is single-use; a successful exchange clears it.
func (c *Core) ConsumeSetupKey(key, username, password string) error {
	c.setupMu.Lock()
	defer c.setupMu.Unlock()
	if c.setupKey == "" {
		return ErrSetupComplete
	}
	if !users.ConstantTimeEquals(c.setupKey, key) {
		return users.ErrUnauthorized
	}
	if strings.TrimSpace(username) == "" || password == "" {
		return fmt.Errorf("core: username and password are required")
	}
	hashed, err := users.HashPassword(password)
	if err != nil {
		return err
	}
	c.usersMu.Lock()
	err = c.users.Transform(func(store *users.Store) error {
		(*store)[username] = users.User{
			Username:       username,
			HashedPassword: hashed,
			IsOwner:        true,
			CreatedAt:      time.Now().UTC(),
		}
		return nil
	})
	c.usersMu.Unlock()
	if err != nil {
		return err
	}
	c.setupKey = ""
	log.Info().Str("username", username).Msg("owner account created")
	return nil
}

// Login checks credentials and issues a session token.
func (c *Core) Login(username, password string) (string, error) {
	c.usersMu.Lock()
	user, ok := (*c.users.Get())[username]
	c.usersMu.Unlock()
	if !ok || !users.CheckPassword(user.HashedPassword, password) {
		return "", users.ErrUnauthorized
	}
	return c.Tokens.Issue(username), nil
}

// ValidateToken resolves a bearer token to its user record.
func (c *Core) ValidateToken(token string) (users.User, error) {
	username, err := c.Tokens.Validate(token)
	if err != nil {
		return users.User{}, err
	}
	c.usersMu.Lock()
	user, ok := (*c.users.Get())[username]
	c.usersMu.Unlock()
	if !ok {
		return users.User{}, users.ErrUnauthorized
	}
	return user, nil
}

// UserCount returns the number of stored accounts.
func (c *Core) UserCount() int {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	return len(*c.users.Get())
}
