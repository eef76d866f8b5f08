package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/instance"
	"github.com/danmuck/forgectl/internal/instance/minecraft"
	"github.com/danmuck/forgectl/internal/observability"
)

// CreateRequest describes a new instance. Port 0 asks the allocator for the
// next free port in the configured range.
type CreateRequest struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	AutoStart bool   `json:"auto_start"`
	JavaPath  string `json:"java_path,omitempty"`
	ServerJar string `json:"server_jar,omitempty"`
	MinHeapMB int    `json:"min_heap_mb,omitempty"`
	MaxHeapMB int    `json:"max_heap_mb,omitempty"`
}

// InstanceInfo is the read-only view of a registered instance returned to
// callers.
type InstanceInfo struct {
	ID        string         `json:"uuid"`
	Name      string         `json:"name"`
	GameType  string         `json:"game_type"`
	Port      int            `json:"port"`
	AutoStart bool           `json:"auto_start"`
	State     instance.State `json:"state"`
}

func describe(handle instance.Instance) InstanceInfo {
	return InstanceInfo{
		ID:        handle.ID(),
		Name:      handle.Name(),
		GameType:  handle.GameType(),
		Port:      handle.Port(),
		AutoStart: handle.AutoStart(),
		State:     handle.State(),
	}
}

// Instances returns a name-sorted snapshot of every registered instance.
func (c *Core) Instances() []InstanceInfo {
	handles := c.Registry.List()
	out := make([]InstanceInfo, 0, len(handles))
	for _, handle := range handles {
		out = append(out, describe(handle))
	}
	return out
}

// Instance returns the view of one instance.
func (c *Core) Instance(id string) (InstanceInfo, error) {
	handle, ok := c.Registry.Lookup(id)
	if !ok {
		return InstanceInfo{}, ErrInstanceNotFound
	}
	return describe(handle), nil
}

// CreateInstance provisions a new Minecraft instance: reserves a port, writes
// the instance directory with its marker file, and registers the handle.
// Creations are serialized so the name-uniqueness check and the final Insert
// cannot interleave with a concurrent create of the same name.
func (c *Core) CreateInstance(req CreateRequest) (InstanceInfo, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return InstanceInfo{}, fmt.Errorf("core: instance name is required")
	}
	for _, existing := range c.Registry.List() {
		if existing.Name() == name {
			return InstanceInfo{}, ErrNameInUse
		}
	}

	var port int
	var err error
	if req.Port == 0 {
		port, err = c.Ports.Allocate()
		if err != nil {
			observability.RecordInstanceOp("create", err)
			return InstanceInfo{}, err
		}
	} else {
		if !c.Ports.ClaimIfFree(req.Port) {
			observability.RecordInstanceOp("create", ErrPortInUse)
			return InstanceInfo{}, fmt.Errorf("%w: %d", ErrPortInUse, req.Port)
		}
		port = req.Port
	}

	cfg := minecraft.Config{
		Config: instance.Config{
			Name:      name,
			GameType:  minecraft.GameType,
			Port:      port,
			AutoStart: req.AutoStart,
		},
		JavaPath:  req.JavaPath,
		ServerJar: req.ServerJar,
		MinHeapMB: req.MinHeapMB,
		MaxHeapMB: req.MaxHeapMB,
	}
	handle, err := minecraft.Create(filepath.Join(c.cfg.InstancesDir(), name), cfg, c.Bus)
	if err != nil {
		c.Ports.Release(port)
		observability.RecordInstanceOp("create", err)
		return InstanceInfo{}, err
	}
	c.Registry.Insert(handle.ID(), handle)
	observability.RecordInstanceOp("create", nil)
	log.Info().
		Str("uuid", handle.ID()).
		Str("name", name).
		Int("port", port).
		Msg("instance created")
	return describe(handle), nil
}

// RemoveInstance stops an instance if needed, unregisters it, frees its port
// and monitoring history, and deletes its directory. A failed stop aborts the
// removal: a still-running process must stay registered, never ungoverned.
func (c *Core) RemoveInstance(ctx context.Context, id string) error {
	handle, ok := c.Registry.Lookup(id)
	if !ok {
		return ErrInstanceNotFound
	}
	if handle.State() != instance.StateStopped {
		if err := handle.Stop(ctx); err != nil {
			observability.RecordInstanceOp("remove", err)
			return fmt.Errorf("core: stop before removal: %w", err)
		}
	}
	c.Registry.Remove(id)
	c.Ports.Release(handle.Port())
	c.MonitorStore.Drop(id)
	c.dropConsoleBuffer(id)
	if dirProvider, ok := handle.(interface{ Dir() string }); ok {
		if err := os.RemoveAll(dirProvider.Dir()); err != nil {
			observability.RecordInstanceOp("remove", err)
			return fmt.Errorf("core: remove instance dir: %w", err)
		}
	}
	observability.RecordInstanceOp("remove", nil)
	log.Info().Str("uuid", id).Msg("instance removed")
	return nil
}

// StartInstance starts a stopped instance.
func (c *Core) StartInstance(ctx context.Context, id string) error {
	return c.lifecycleOp(ctx, id, "start", instance.Instance.Start)
}

// StopInstance stops a running instance.
func (c *Core) StopInstance(ctx context.Context, id string) error {
	return c.lifecycleOp(ctx, id, "stop", instance.Instance.Stop)
}

// RestartInstance stops then starts an instance.
func (c *Core) RestartInstance(ctx context.Context, id string) error {
	return c.lifecycleOp(ctx, id, "restart", instance.Instance.Restart)
}

func (c *Core) lifecycleOp(ctx context.Context, id, op string, fn func(instance.Instance, context.Context) error) error {
	handle, ok := c.Registry.Lookup(id)
	if !ok {
		return ErrInstanceNotFound
	}
	if err := fn(handle, ctx); err != nil {
		observability.RecordInstanceOp(op, err)
		return err
	}
	observability.RecordInstanceOp(op, nil)
	return nil
}

// SendCommand writes one console command to a running instance.
func (c *Core) SendCommand(ctx context.Context, id, command string) error {
	handle, ok := c.Registry.Lookup(id)
	if !ok {
		return ErrInstanceNotFound
	}
	if err := handle.SendCommand(ctx, command); err != nil {
		observability.RecordInstanceOp("command", err)
		return err
	}
	observability.RecordInstanceOp("command", nil)
	return nil
}
