// Package notify forwards progress events to a message broker.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/redact"
)

// Envelope wraps every forwarded event.
type Envelope struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// Publisher delivers envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

type activityPayload struct {
	Activity string          `json:"activity"`
	State    *progress.State `json:"state,omitempty"`
}

type phasePayload struct {
	Phase progress.Phase  `json:"phase"`
	State *progress.State `json:"state,omitempty"`
}

// NewEnvelope maps a progress event onto its broker representation.
func NewEnvelope(runID string, e progress.Event) Envelope {
	env := Envelope{
		ID:         uuid.NewString(),
		RunID:      runID,
		Type:       string(e.Type),
		OccurredAt: e.At,
	}
	switch e.Type {
	case progress.EventPhase:
		env.Payload = phasePayload{Phase: e.Phase, State: e.State}
	case progress.EventActivity:
		env.Payload = activityPayload{Activity: e.Activity, State: e.State}
	case progress.EventError:
		env.Payload = e.Error
	case progress.EventComplete:
		// Per-asset results stay in the run's CSV; messages carry the totals.
		if e.Complete != nil {
			b := *e.Complete
			b.Results = nil
			env.Payload = &b
		}
	default:
		env.Payload = e.State
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return env
}

// Forward returns a progress subscriber that publishes every event. Publish
// failures are logged and dropped; they never affect the run.
func Forward(ctx context.Context, runID string, pub Publisher, timeout time.Duration, logger *zap.Logger) func(progress.Event) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(e progress.Event) {
		env := NewEnvelope(runID, e)
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := pub.Publish(pctx, env); err != nil {
			logger.Warn("publish progress event",
				zap.String("run_id", runID),
				zap.String("type", env.Type),
				redact.Error(err))
		}
	}
}
