// Package monitor samples resource/status reports from every registered
// instance on a fixed interval and keeps a bounded per-instance history.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forgectl/internal/history"
)

// ReportCapacity bounds each instance's monitoring history.
const ReportCapacity = 64

// DefaultInterval is the sampling tick period.
const DefaultInterval = time.Second

// Report is one point-in-time resource/status sample for one instance.
// Producing a report never fails; a degraded report has Running=false and
// zeroed metrics.
type Report struct {
	InstanceID  string    `json:"instance_id"`
	Timestamp   time.Time `json:"timestamp"`
	Running     bool      `json:"running"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
}

// Snapshotter is the slice of the instance capability set the loop needs.
type Snapshotter interface {
	ID() string
	Monitor(ctx context.Context) Report
}

// Store keeps one bounded report history per instance, created on first use.
type Store struct {
	mu   sync.Mutex
	byID map[string]*history.Buffer[Report]
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*history.Buffer[Report])}
}

// Append records one report into its instance's history.
func (s *Store) Append(report Report) {
	s.mu.Lock()
	buf, ok := s.byID[report.InstanceID]
	if !ok {
		buf = history.NewBuffer[Report](ReportCapacity)
		s.byID[report.InstanceID] = buf
	}
	s.mu.Unlock()
	buf.Push(report)
}

// History returns the chronological report history for one instance.
func (s *Store) History(instanceID string) []Report {
	s.mu.Lock()
	buf, ok := s.byID[instanceID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// Drop forgets one instance's history after the instance is removed.
func (s *Store) Drop(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, instanceID)
}

// Loop drives periodic sampling. Instances are sampled one at a time within a
// tick; a slow instance delays the rest of that tick, which is acceptable
// because ticks are independent and a late sample only shows up as a gap.
type Loop struct {
	interval time.Duration
	list     func() []Snapshotter
	store    *Store
	onTick   func(duration time.Duration)
}

// NewLoop builds a sampling loop over the given instance lister. An interval
// below one millisecond falls back to DefaultInterval. onTick may be nil; it
// receives each tick's total collection duration for telemetry.
func NewLoop(interval time.Duration, list func() []Snapshotter, store *Store, onTick func(time.Duration)) *Loop {
	if interval < time.Millisecond {
		interval = DefaultInterval
	}
	return &Loop{interval: interval, list: list, store: store, onTick: onTick}
}

// Run ticks until ctx is done. Sampling failures cannot occur at this layer;
// the Snapshotter contract returns a degraded report instead of failing.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		started := time.Now()
		for _, target := range l.list() {
			l.store.Append(target.Monitor(ctx))
		}
		if l.onTick != nil {
			l.onTick(time.Since(started))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Debug().Msg("monitor loop stopping")
			return ctx.Err()
		}
	}
}
