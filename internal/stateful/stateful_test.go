package stateful

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/forgectl/internal/testutil/testlog"
)

func TestTransformCheckpointsEveryMutation(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "store.json")
	persist := func(v *map[string]int) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return os.WriteFile(path, raw, 0o644)
	}
	s := New(map[string]int{}, persist, persist)

	if err := s.Transform(func(v *map[string]int) error {
		(*v)["a"] = 1
		return nil
	}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if err := s.Transform(func(v *map[string]int) error {
		(*v)["b"] = 2
		return nil
	}); err != nil {
		t.Fatalf("transform: %v", err)
	}

	// Re-read as if the process restarted.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var restored map[string]int
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal store: %v", err)
	}
	if restored["a"] != 1 || restored["b"] != 2 || len(restored) != 2 {
		t.Fatalf("restored state mismatch: %v", restored)
	}
}

func TestFailedMutationSkipsCheckpoint(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	checkpoints := 0
	s := New(0, func(*int) error {
		checkpoints++
		return nil
	}, nil)

	err := s.Transform(func(v *int) error {
		*v = 42
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	if checkpoints != 0 {
		t.Fatalf("checkpoint must not run after failed mutation, ran %d times", checkpoints)
	}
}

func TestCheckpointFailureSurfacesWithoutRollback(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("disk full")
	s := New(0, func(*int) error { return boom }, nil)

	err := s.Transform(func(v *int) error {
		*v = 7
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	// Known limitation: the in-memory mutation is committed.
	if *s.Get() != 7 {
		t.Fatalf("expected committed in-memory value 7, got %d", *s.Get())
	}
}

func TestFinalizeRunsFinalFlushOnly(t *testing.T) {
	testlog.Start(t)
	finals := 0
	s := New("x", nil, func(*string) error {
		finals++
		return nil
	})
	if err := s.Transform(func(v *string) error {
		*v = "y"
		return nil
	}); err != nil {
		t.Fatalf("transform with nil checkpoint: %v", err)
	}
	if finals != 0 {
		t.Fatalf("final flush must not run during transform")
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finals != 1 {
		t.Fatalf("expected one final flush, got %d", finals)
	}
}

func TestNilMutationRejected(t *testing.T) {
	testlog.Start(t)
	s := New(0, nil, nil)
	if err := s.Transform(nil); !errors.Is(err, ErrNilMutation) {
		t.Fatalf("expected ErrNilMutation, got %v", err)
	}
}
