package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/forgectl/internal/testutil/testlog"
)

type fakeInstance struct {
	id      string
	running bool
}

func (f *fakeInstance) ID() string {
	return f.id
}

func (f *fakeInstance) Monitor(_ context.Context) Report {
	return Report{
		InstanceID: f.id,
		Timestamp:  time.Now().UTC(),
		Running:    f.running,
		CPUPercent: 1.5,
	}
}

func TestStoreCreatesBufferOnFirstUse(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	if got := store.History("missing"); got != nil {
		t.Fatalf("expected nil history for unknown instance, got %v", got)
	}
	store.Append(Report{InstanceID: "a", Running: true})
	if got := store.History("a"); len(got) != 1 || !got[0].Running {
		t.Fatalf("history mismatch: %v", got)
	}
}

func TestStoreBoundedAtReportCapacity(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	for i := 0; i < ReportCapacity*2; i++ {
		store.Append(Report{InstanceID: "a", CPUPercent: float64(i)})
	}
	got := store.History("a")
	if len(got) != ReportCapacity {
		t.Fatalf("expected %d reports, got %d", ReportCapacity, len(got))
	}
	if got[0].CPUPercent != float64(ReportCapacity) {
		t.Fatalf("oldest retained report mismatch: %v", got[0])
	}
}

func TestStoreDrop(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	store.Append(Report{InstanceID: "a"})
	store.Drop("a")
	if got := store.History("a"); got != nil {
		t.Fatalf("expected dropped history, got %v", got)
	}
}

func TestLoopPopulatesHistory(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	inst := &fakeInstance{id: "a", running: true}
	loop := NewLoop(10*time.Millisecond, func() []Snapshotter {
		return []Snapshotter{inst}
	}, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exit, got %v", err)
	}

	// 3.5 intervals: one immediate sample plus one per elapsed tick.
	got := len(store.History("a"))
	if got < 3 || got > 5 {
		t.Fatalf("expected 3-5 samples after 3.5 intervals, got %d", got)
	}
}

func TestLoopTickCallback(t *testing.T) {
	testlog.Start(t)
	store := NewStore()
	ticks := 0
	loop := NewLoop(5*time.Millisecond, func() []Snapshotter { return nil }, store, func(time.Duration) {
		ticks++
	})
	ctx, cancel := context.WithTimeout(context.Background(), 18*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)
	if ticks < 2 {
		t.Fatalf("expected at least two tick callbacks, got %d", ticks)
	}
}
