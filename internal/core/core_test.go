package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/forgectl/internal/events"
	"github.com/danmuck/forgectl/internal/instance"
	"github.com/danmuck/forgectl/internal/monitor"
	"github.com/danmuck/forgectl/internal/testutil/testlog"
	"github.com/danmuck/forgectl/internal/users"
)

type fakeHandle struct {
	cfg     instance.Config
	dir     string
	started bool
	stopErr error
}

func (f *fakeHandle) ID() string       { return f.cfg.ID }
func (f *fakeHandle) Name() string     { return f.cfg.Name }
func (f *fakeHandle) GameType() string { return f.cfg.GameType }
func (f *fakeHandle) Port() int        { return f.cfg.Port }
func (f *fakeHandle) AutoStart() bool  { return f.cfg.AutoStart }
func (f *fakeHandle) Dir() string      { return f.dir }

func (f *fakeHandle) State() instance.State {
	if f.started {
		return instance.StateRunning
	}
	return instance.StateStopped
}

func (f *fakeHandle) Start(context.Context) error {
	f.started = true
	return nil
}

func (f *fakeHandle) Stop(context.Context) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.started = false
	return nil
}

func (f *fakeHandle) Restart(ctx context.Context) error {
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Start(ctx)
}

func (f *fakeHandle) SendCommand(context.Context, string) error { return nil }

func (f *fakeHandle) Monitor(context.Context) monitor.Report {
	return monitor.Report{
		InstanceID: f.cfg.ID,
		Timestamp:  time.Now().UTC(),
		Running:    f.started,
	}
}

func registerCoretestType(t *testing.T) {
	t.Helper()
	err := instance.RegisterGameType("coretest", func(dir string, raw json.RawMessage, bus *events.Bus) (instance.Instance, error) {
		var cfg instance.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		return &fakeHandle{cfg: cfg, dir: dir}, nil
	})
	if err != nil && !errors.Is(err, instance.ErrGameTypeExists) {
		t.Fatalf("register coretest game type: %v", err)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.SkipDependencyDownload = true
	cfg.MonitorInterval = 10 * time.Millisecond
	return cfg
}

func bootstrapCore(t *testing.T) *Core {
	t.Helper()
	registerCoretestType(t)
	core, err := Bootstrap(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return core
}

func writeMarker(t *testing.T, instancesDir, name string, cfg instance.Config) {
	t.Helper()
	dir := filepath.Join(instancesDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, instance.ConfigFileName), raw, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

func TestBootstrapFirstRunIssuesSetupKey(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	key := core.SetupKey()
	if len(key) != 16 {
		t.Fatalf("expected 16-char setup key, got %q", key)
	}
	if !core.NeedsSetup() {
		t.Fatal("expected setup to be pending on first run")
	}
}

func TestBootstrapExistingOwnerSkipsSetupKey(t *testing.T) {
	testlog.Start(t)
	registerCoretestType(t)
	cfg := testConfig(t)

	hashed, err := users.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store := users.Store{"admin": {Username: "admin", HashedPassword: hashed, IsOwner: true}}
	if err := users.Save(cfg.UsersFile(), store); err != nil {
		t.Fatalf("save users: %v", err)
	}

	core, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if core.NeedsSetup() {
		t.Fatal("expected no setup pending with an existing owner")
	}
	if _, err := core.Login("admin", "hunter2"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestBootstrapRestoresAndAutoStarts(t *testing.T) {
	testlog.Start(t)
	registerCoretestType(t)
	cfg := testConfig(t)

	if err := os.MkdirAll(cfg.InstancesDir(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeMarker(t, cfg.InstancesDir(), "alpha", instance.Config{
		ID: "id-alpha", Name: "alpha", GameType: "coretest", Port: 25565, AutoStart: true,
	})
	writeMarker(t, cfg.InstancesDir(), "beta", instance.Config{
		ID: "id-beta", Name: "beta", GameType: "coretest", Port: 25566,
	})

	core, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := core.Registry.Len(); got != 2 {
		t.Fatalf("expected 2 restored instances, got %d", got)
	}

	alpha, err := core.Instance("id-alpha")
	if err != nil {
		t.Fatalf("lookup alpha: %v", err)
	}
	if alpha.State != instance.StateRunning {
		t.Fatalf("expected auto-start instance running, got %s", alpha.State)
	}
	beta, err := core.Instance("id-beta")
	if err != nil {
		t.Fatalf("lookup beta: %v", err)
	}
	if beta.State != instance.StateStopped {
		t.Fatalf("expected non-auto-start instance stopped, got %s", beta.State)
	}

	if !core.Ports.InUse(25565) || !core.Ports.InUse(25566) {
		t.Fatal("expected restored instance ports to be claimed")
	}
}

func TestEventDistributionRoutesHistories(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- core.RunEventDistribution(ctx) }()

	consoleEvent, err := events.NewConsoleOutput("id-1", "server started")
	if err != nil {
		t.Fatalf("console event: %v", err)
	}
	core.Bus.Publish(consoleEvent)
	core.Bus.Publish(events.NewSystem("daemon online"))
	core.Bus.Publish(events.NewInstanceState("id-1", "running"))

	waitFor(t, func() bool {
		return len(core.EventHistory(0)) == 2 && len(core.ConsoleHistory("id-1", 0)) == 1
	})

	global := core.EventHistory(0)
	if global[0].Kind != events.KindSystem || global[1].Kind != events.KindInstanceState {
		t.Fatalf("unexpected global history kinds: %s, %s", global[0].Kind, global[1].Kind)
	}
	console := core.ConsoleHistory("id-1", 0)
	if console[0].Detail != "server started" {
		t.Fatalf("unexpected console line: %q", console[0].Detail)
	}
	if got := core.ConsoleHistory("id-2", 0); got != nil {
		t.Fatalf("expected no console history for unknown instance, got %d events", len(got))
	}

	core.Bus.Close()
	if err := <-done; err != nil {
		t.Fatalf("distribution exit: %v", err)
	}
}

func TestCreateAndRemoveInstance(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	info, err := core.CreateInstance(CreateRequest{Name: "survival"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.GameType != "minecraft" {
		t.Fatalf("expected minecraft game type, got %q", info.GameType)
	}
	if info.Port < core.Config().PortRangeStart || info.Port > core.Config().PortRangeEnd {
		t.Fatalf("allocated port %d outside configured range", info.Port)
	}
	if !core.Ports.InUse(info.Port) {
		t.Fatal("expected created instance port to be claimed")
	}

	marker := filepath.Join(core.Config().InstancesDir(), "survival", instance.ConfigFileName)
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected marker file: %v", err)
	}

	if _, err := core.CreateInstance(CreateRequest{Name: "survival"}); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
	if _, err := core.CreateInstance(CreateRequest{Name: "clash", Port: info.Port}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	if err := core.RemoveInstance(context.Background(), info.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if core.Ports.InUse(info.Port) {
		t.Fatal("expected port released after removal")
	}
	if _, err := os.Stat(filepath.Join(core.Config().InstancesDir(), "survival")); !os.IsNotExist(err) {
		t.Fatalf("expected instance dir removed, stat err: %v", err)
	}
	if err := core.RemoveInstance(context.Background(), info.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestConcurrentCreatesCannotSharePort(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)
	port := core.Config().PortRangeStart

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("racer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := core.CreateInstance(CreateRequest{Name: name, Port: port}); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one create to win port %d, got %d", port, got)
	}
	holders := 0
	for _, info := range core.Instances() {
		if info.Port == port {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("expected one instance on port %d, found %d", port, holders)
	}
}

func TestConcurrentCreatesCannotShareName(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := core.CreateInstance(CreateRequest{Name: "shared"}); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one create to win the name, got %d", got)
	}
	if got := core.Registry.Len(); got != 1 {
		t.Fatalf("expected one registered instance, got %d", got)
	}
}

func TestRemoveInstanceAbortsWhenStopFails(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	stuck := &fakeHandle{
		cfg:     instance.Config{ID: "id-stuck", Name: "stuck", GameType: "coretest", Port: 25590},
		started: true,
		stopErr: errors.New("process refuses to die"),
	}
	core.Registry.Insert("id-stuck", stuck)
	core.Ports.Claim(25590)

	if err := core.RemoveInstance(context.Background(), "id-stuck"); err == nil {
		t.Fatal("expected removal to fail when stop fails")
	}
	if _, ok := core.Registry.Lookup("id-stuck"); !ok {
		t.Fatal("failed removal must leave the instance registered")
	}
	if !core.Ports.InUse(25590) {
		t.Fatal("failed removal must leave the port claimed")
	}

	stuck.stopErr = nil
	if err := core.RemoveInstance(context.Background(), "id-stuck"); err != nil {
		t.Fatalf("remove after stop recovers: %v", err)
	}
	if core.Ports.InUse(25590) {
		t.Fatal("expected port released after successful removal")
	}
}

func TestSetupConsumeAndLogin(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)

	if err := core.ConsumeSetupKey("wrong-key", "admin", "hunter2"); !errors.Is(err, users.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong key, got %v", err)
	}

	key := core.SetupKey()
	if err := core.ConsumeSetupKey(key, "admin", "hunter2"); err != nil {
		t.Fatalf("consume setup key: %v", err)
	}
	if core.NeedsSetup() {
		t.Fatal("expected setup complete after consume")
	}
	if err := core.ConsumeSetupKey(key, "again", "pw"); !errors.Is(err, ErrSetupComplete) {
		t.Fatalf("expected ErrSetupComplete on reuse, got %v", err)
	}

	token, err := core.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	user, err := core.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if !user.IsOwner {
		t.Fatal("expected owner account")
	}
	if _, err := core.Login("admin", "wrong"); !errors.Is(err, users.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bad password, got %v", err)
	}

	// The owner account must survive a restart via the users file.
	restored, err := users.Load(core.Config().UsersFile())
	if err != nil {
		t.Fatalf("reload users: %v", err)
	}
	if !users.HasOwner(restored) {
		t.Fatal("expected persisted owner account")
	}
}

func TestMonitorLoopPopulatesHistory(t *testing.T) {
	testlog.Start(t)
	core := bootstrapCore(t)
	core.Registry.Insert("id-mon", &fakeHandle{
		cfg: instance.Config{ID: "id-mon", Name: "mon", GameType: "coretest", Port: 25600},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.RunMonitorLoop(ctx) }()

	waitFor(t, func() bool { return len(core.MonitorHistory("id-mon")) >= 2 })
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("monitor loop exit: %v", err)
	}

	reports := core.MonitorHistory("id-mon")
	if reports[0].InstanceID != "id-mon" {
		t.Fatalf("unexpected report instance id %q", reports[0].InstanceID)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
