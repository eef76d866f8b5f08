package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/forgectl/internal/core"
)

// forgectl config.toml key mapping to daemon runtime settings.
type fileConfig struct {
	DataRoot        string `toml:"data_root"`
	ListenAddr      string `toml:"listen_addr"`
	ClientName      string `toml:"client_name"`
	PortRangeStart  int    `toml:"port_range_start"`
	PortRangeEnd    int    `toml:"port_range_end"`
	MonitorInterval string `toml:"monitor_interval"`
	EventQueueCap   int    `toml:"event_queue_capacity"`
	SkipDepDownload bool   `toml:"skip_dependency_download"`
	DepBaseURL      string `toml:"dependency_base_url"`
}

// loadConfig overlays config.toml onto the runtime defaults. An empty path
// means defaults only.
func loadConfig(path string) (core.Config, error) {
	cfg := core.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return core.Config{}, fmt.Errorf("load forgectl config: %w", err)
	}

	if meta.IsDefined("data_root") {
		cfg.DataRoot = strings.TrimSpace(raw.DataRoot)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("client_name") {
		cfg.ClientName = strings.TrimSpace(raw.ClientName)
	}
	if meta.IsDefined("port_range_start") {
		cfg.PortRangeStart = raw.PortRangeStart
	}
	if meta.IsDefined("port_range_end") {
		cfg.PortRangeEnd = raw.PortRangeEnd
	}
	if meta.IsDefined("monitor_interval") {
		interval, err := time.ParseDuration(strings.TrimSpace(raw.MonitorInterval))
		if err != nil {
			return core.Config{}, fmt.Errorf("load forgectl config: monitor_interval: %w", err)
		}
		cfg.MonitorInterval = interval
	}
	if meta.IsDefined("event_queue_capacity") {
		cfg.SubscriberQueueCapacity = raw.EventQueueCap
	}
	if meta.IsDefined("skip_dependency_download") {
		cfg.SkipDependencyDownload = raw.SkipDepDownload
	}
	if meta.IsDefined("dependency_base_url") {
		cfg.DependencyBaseURL = strings.TrimSpace(raw.DepBaseURL)
	}
	return cfg, nil
}
