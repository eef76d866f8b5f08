// Package ports owns the set of listen ports assigned to live instances.
package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrExhausted = errors.New("ports: candidate range exhausted")

const (
	// DefaultRangeStart..DefaultRangeEnd is the candidate range handed to new
	// instances when the daemon config does not override it.
	DefaultRangeStart = 25565
	DefaultRangeEnd   = 25665
)

// Allocator hands out unused ports from a fixed candidate range and tracks
// ports claimed by restored instances. Safe for concurrent use.
type Allocator struct {
	mu         sync.Mutex
	inUse      map[int]struct{}
	rangeStart int
	rangeEnd   int
}

// NewAllocator seeds the allocator with the ports already claimed by restored
// instances. Claimed ports may fall outside the candidate range; they are
// still tracked so they are never handed out.
func NewAllocator(claimed map[int]struct{}, rangeStart, rangeEnd int) *Allocator {
	if rangeStart <= 0 || rangeEnd < rangeStart {
		rangeStart, rangeEnd = DefaultRangeStart, DefaultRangeEnd
	}
	inUse := make(map[int]struct{}, len(claimed))
	for port := range claimed {
		inUse[port] = struct{}{}
	}
	return &Allocator{inUse: inUse, rangeStart: rangeStart, rangeEnd: rangeEnd}
}

// Allocate returns an unused port from the candidate range and marks it used.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrExhausted, a.rangeStart, a.rangeEnd)
}

// Claim marks a specific port used regardless of the candidate range, for
// instances restored or created with an explicit port.
func (a *Allocator) Claim(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[port] = struct{}{}
}

// ClaimIfFree marks a specific port used only if it is not already held,
// reporting whether the claim succeeded. The check and the claim happen under
// one lock hold, so two callers racing for the same port cannot both win.
func (a *Allocator) ClaimIfFree(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.inUse[port]; taken {
		return false
	}
	a.inUse[port] = struct{}{}
	return true
}

// Release marks a port free again. Releasing a port that is not held is a
// logged inconsistency, never a failure.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.inUse[port]; !held {
		log.Warn().Int("port", port).Msg("release of port not held")
		return
	}
	delete(a.inUse, port)
}

// InUse reports whether a port is currently assigned.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, held := a.inUse[port]
	return held
}
