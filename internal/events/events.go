// Package events defines the orchestrator event model and the broadcast bus
// that fans events out to lag-tolerant subscribers.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInstanceIDRequired = errors.New("events: console output requires an instance id")

// Kind distinguishes console output from every other event class.
type Kind string

const (
	KindConsoleOutput Kind = "console_output"
	KindInstanceState Kind = "instance_state"
	KindSystem        Kind = "system"
)

// Event is one discrete occurrence distributed to subscribers. InstanceID is
// empty for system-wide events and always set for console output.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	InstanceID string    `json:"instance_id,omitempty"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewConsoleOutput builds a console-output event for one instance.
func NewConsoleOutput(instanceID, line string) (Event, error) {
	if strings.TrimSpace(instanceID) == "" {
		return Event{}, ErrInstanceIDRequired
	}
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindConsoleOutput,
		InstanceID: instanceID,
		Detail:     line,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// NewInstanceState builds a lifecycle-change event for one instance.
func NewInstanceState(instanceID, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindInstanceState,
		InstanceID: instanceID,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
}

// NewSystem builds a system-wide event with no owning instance.
func NewSystem(detail string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindSystem,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// IsConsoleOutput reports whether the event routes to a per-instance console
// history rather than the global event history.
func (e Event) IsConsoleOutput() bool {
	return e.Kind == KindConsoleOutput
}

// Validate enforces the console-output invariant.
func (e Event) Validate() error {
	if e.Kind == KindConsoleOutput && strings.TrimSpace(e.InstanceID) == "" {
		return fmt.Errorf("%w: event %s", ErrInstanceIDRequired, e.ID)
	}
	return nil
}
