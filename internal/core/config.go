package core

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/monitor"
	"github.com/danmuck/forgectl/internal/ports"
)

// Config is the daemon runtime configuration. All filesystem paths derive
// from DataRoot; they are not independently configurable.
type Config struct {
	DataRoot   string
	ListenAddr string
	ClientName string

	PortRangeStart int
	PortRangeEnd   int

	MonitorInterval         time.Duration
	SubscriberQueueCapacity int

	SkipDependencyDownload bool
	DependencyBaseURL      string
}

// DefaultConfig returns the runtime defaults used when the config file leaves
// a key unset.
func DefaultConfig() Config {
	return Config{
		DataRoot:                ".forgectl",
		ListenAddr:              "0.0.0.0:16662",
		ClientName:              "",
		PortRangeStart:          ports.DefaultRangeStart,
		PortRangeEnd:            ports.DefaultRangeEnd,
		MonitorInterval:         monitor.DefaultInterval,
		SubscriberQueueCapacity: events.DefaultQueueCapacity,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.DataRoot) == "" {
		c.DataRoot = defaults.DataRoot
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart {
		c.PortRangeStart = defaults.PortRangeStart
		c.PortRangeEnd = defaults.PortRangeEnd
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaults.MonitorInterval
	}
	if c.SubscriberQueueCapacity < 1 {
		c.SubscriberQueueCapacity = defaults.SubscriberQueueCapacity
	}
	return c
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataRoot) == "" {
		return fmt.Errorf("core: data root is required")
	}
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("core: invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	return nil
}

func (c Config) InstancesDir() string {
	return filepath.Join(c.DataRoot, "instances")
}

func (c Config) BinariesDir() string {
	return filepath.Join(c.DataRoot, "binaries")
}

func (c Config) StoresDir() string {
	return filepath.Join(c.DataRoot, "stores")
}

func (c Config) UsersFile() string {
	return filepath.Join(c.DataRoot, "users.json")
}
