package progress

import (
	"time"

	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/outcome"
)

type EventType string

const (
	EventPhase    EventType = "phase"
	EventCounters EventType = "counters"
	EventActivity EventType = "activity"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event is delivered to subscribers. Exactly one of Phase, Activity, Error or
// Complete is set according to Type; State is the snapshot at emission time.
type Event struct {
	Type     EventType      `json:"type"`
	At       time.Time      `json:"at"`
	Phase    Phase          `json:"phase,omitempty"`
	Activity string         `json:"activity,omitempty"`
	Error    *ledger.Entry  `json:"error,omitempty"`
	Complete *outcome.Batch `json:"complete,omitempty"`
	State    *State         `json:"state,omitempty"`
}

// Immediate reports whether the event bypasses throttling.
func (e Event) Immediate() bool {
	return e.Type == EventPhase || e.Type == EventError || e.Type == EventComplete
}
