// Package minecraft implements the instance capability set for Minecraft
// server processes, the one supported game type.
package minecraft

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/instance"
	"github.com/danmuck/forgectl/internal/monitor"
)

const GameType = "minecraft"

var (
	ErrAlreadyRunning = errors.New("minecraft: instance already running")
	ErrNotRunning     = errors.New("minecraft: instance not running")
)

const defaultStopTimeout = 10 * time.Second

// Config is the persisted marker-file schema for this game type.
type Config struct {
	instance.Config
	JavaPath  string `json:"java_path,omitempty"`
	ServerJar string `json:"server_jar,omitempty"`
	MinHeapMB int    `json:"min_heap_mb,omitempty"`
	MaxHeapMB int    `json:"max_heap_mb,omitempty"`
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.JavaPath) == "" {
		c.JavaPath = "java"
	}
	if strings.TrimSpace(c.ServerJar) == "" {
		c.ServerJar = "server.jar"
	}
}

// Register binds this variant's constructor into the game-type dispatch set.
func Register() error {
	return instance.RegisterGameType(GameType, func(dir string, raw json.RawMessage, bus *events.Bus) (instance.Instance, error) {
		return Restore(dir, raw, bus)
	})
}

type run struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// Instance supervises one Minecraft server process. The handle lock is held
// for the full duration of every lifecycle operation so at most one runs at a
// time per instance.
type Instance struct {
	mu  sync.Mutex
	cfg Config
	dir string
	bus *events.Bus

	state instance.State
	run   *run

	launch      func(cfg Config, dir string) *exec.Cmd
	stopTimeout time.Duration
}

// Restore rebuilds a handle from persisted configuration.
func Restore(dir string, raw json.RawMessage, bus *events.Bus) (*Instance, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("minecraft: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return newInstance(dir, cfg, bus), nil
}

// Create provisions a new instance directory with its marker file and returns
// the handle. The caller has already allocated the port.
func Create(dir string, cfg Config, bus *events.Bus) (*Instance, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.GameType = GameType
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("minecraft: create dir %q: %w", dir, err)
	}
	if err := writeConfig(dir, cfg); err != nil {
		return nil, err
	}
	return newInstance(dir, cfg, bus), nil
}

func newInstance(dir string, cfg Config, bus *events.Bus) *Instance {
	return &Instance{
		cfg:         cfg,
		dir:         dir,
		bus:         bus,
		state:       instance.StateStopped,
		launch:      defaultLaunch,
		stopTimeout: defaultStopTimeout,
	}
}

func writeConfig(dir string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("minecraft: encode config: %w", err)
	}
	path := filepath.Join(dir, instance.ConfigFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("minecraft: write config %q: %w", path, err)
	}
	return nil
}

func defaultLaunch(cfg Config, dir string) *exec.Cmd {
	args := make([]string, 0, 5)
	if cfg.MinHeapMB > 0 {
		args = append(args, fmt.Sprintf("-Xms%dM", cfg.MinHeapMB))
	}
	if cfg.MaxHeapMB > 0 {
		args = append(args, fmt.Sprintf("-Xmx%dM", cfg.MaxHeapMB))
	}
	args = append(args, "-jar", cfg.ServerJar, "nogui")
	cmd := exec.Command(cfg.JavaPath, args...)
	cmd.Dir = dir
	return cmd
}

func (i *Instance) ID() string       { return i.cfg.ID }
func (i *Instance) Name() string     { return i.cfg.Name }
func (i *Instance) GameType() string { return GameType }
func (i *Instance) Port() int        { return i.cfg.Port }
func (i *Instance) AutoStart() bool  { return i.cfg.AutoStart }

// Dir returns the instance's working directory.
func (i *Instance) Dir() string { return i.dir }

func (i *Instance) State() instance.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Start spawns the server process and begins pumping its console output onto
// the event bus.
func (i *Instance) Start(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startLocked()
}

func (i *Instance) startLocked() error {
	if i.run != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, i.cfg.Name)
	}
	i.setStateLocked(instance.StateStarting)

	cmd := i.launch(i.cfg, i.dir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		i.setStateLocked(instance.StateStopped)
		return fmt.Errorf("minecraft: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		i.setStateLocked(instance.StateStopped)
		return fmt.Errorf("minecraft: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		i.setStateLocked(instance.StateStopped)
		return fmt.Errorf("minecraft: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		i.setStateLocked(instance.StateStopped)
		return fmt.Errorf("minecraft: spawn %q: %w", i.cfg.JavaPath, err)
	}

	active := &run{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	i.run = active
	i.setStateLocked(instance.StateRunning)

	go i.pumpConsole(stdout)
	go i.pumpConsole(stderr)
	go i.watch(active)
	return nil
}

// watch reaps the process when it exits on its own and reports the stop.
func (i *Instance) watch(active *run) {
	err := active.cmd.Wait()
	close(active.done)
	i.mu.Lock()
	defer i.mu.Unlock()
	// A concurrent Stop already cleared the run and owns the state change.
	if i.run != active {
		return
	}
	i.run = nil
	if err != nil {
		log.Warn().Err(err).Str("name", i.cfg.Name).Msg("instance process exited")
	}
	i.setStateLocked(instance.StateStopped)
}

func (i *Instance) pumpConsole(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		event, err := events.NewConsoleOutput(i.cfg.ID, scanner.Text())
		if err != nil {
			continue
		}
		i.bus.Publish(event)
	}
}

// Stop asks the server to shut down via its console, escalating to a kill
// after the stop timeout. Stopping a stopped instance is a no-op.
func (i *Instance) Stop(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopLocked()
}

func (i *Instance) stopLocked() error {
	active := i.run
	if active == nil {
		return nil
	}
	i.setStateLocked(instance.StateStopping)
	if _, err := io.WriteString(active.stdin, "stop\n"); err != nil {
		log.Warn().Err(err).Str("name", i.cfg.Name).Msg("stop command write failed, killing process")
		_ = active.cmd.Process.Kill()
	}
	select {
	case <-active.done:
	case <-time.After(i.stopTimeout):
		log.Warn().Str("name", i.cfg.Name).Msg("stop timed out, killing process")
		_ = active.cmd.Process.Kill()
		<-active.done
	}
	i.run = nil
	i.setStateLocked(instance.StateStopped)
	return nil
}

// Restart stops then starts under one handle-lock hold, so no other
// lifecycle operation can interleave between the two phases.
func (i *Instance) Restart(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.stopLocked(); err != nil {
		return err
	}
	return i.startLocked()
}

// SendCommand writes one console command to the server's stdin.
func (i *Instance) SendCommand(_ context.Context, command string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.run == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, i.cfg.Name)
	}
	if _, err := io.WriteString(i.run.stdin, strings.TrimRight(command, "\n")+"\n"); err != nil {
		return fmt.Errorf("minecraft: send command: %w", err)
	}
	return nil
}

// Monitor samples the child process. It never fails: when the process is not
// running, or sampling errors out, the report is degraded instead.
func (i *Instance) Monitor(_ context.Context) monitor.Report {
	i.mu.Lock()
	defer i.mu.Unlock()
	report := monitor.Report{
		InstanceID: i.cfg.ID,
		Timestamp:  time.Now().UTC(),
	}
	if i.run == nil || i.run.cmd.Process == nil {
		return report
	}
	report.Running = true
	pid := int32(i.run.cmd.Process.Pid)
	cpu, mem, err := sampleProcess(pid)
	if err != nil {
		log.Debug().Err(err).Str("name", i.cfg.Name).Msg("process sample degraded")
		return report
	}
	report.CPUPercent = cpu
	report.MemoryBytes = mem
	return report
}

// setStateLocked transitions the lifecycle state and publishes the change.
func (i *Instance) setStateLocked(state instance.State) {
	if i.state == state {
		return
	}
	i.state = state
	i.bus.Publish(events.NewInstanceState(i.cfg.ID, string(state)))
}
