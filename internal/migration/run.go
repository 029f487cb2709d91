package migration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/outcome"
	"github.com/your-org/mediamigrate/internal/progress"
)

// Run is the handle of one migration. Its methods are safe for concurrent use.
type Run struct {
	id        string
	opts      Options
	startedAt time.Time
	monitor   *progress.Monitor
	ledger    *ledger.Ledger
	stop      atomic.Bool
	done      chan struct{}

	mu      sync.RWMutex
	outcome outcome.Batch
	err     error
}

func (r *Run) ID() string { return r.id }

func (r *Run) Options() Options { return r.opts }

func (r *Run) StartedAt() time.Time { return r.startedAt }

// Subscribe registers fn for progress events. See progress.Monitor.Subscribe.
func (r *Run) Subscribe(fn func(progress.Event)) (unsubscribe func()) {
	return r.monitor.Subscribe(fn)
}

func (r *Run) Snapshot() progress.State { return r.monitor.Snapshot() }

// ExportErrorLog returns the ledger as it stands.
func (r *Run) ExportErrorLog() ledger.Document { return r.ledger.Export() }

// Stop asks the run to finish after the batch in flight. Assets already
// started always run to completion.
func (r *Run) Stop() { r.stop.Store(true) }

func (r *Run) stopRequested() bool { return r.stop.Load() }

// Done is closed once the run reaches Complete or Error.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends or ctx is done. The error is non-nil when
// the run halted on a fatal failure.
func (r *Run) Wait(ctx context.Context) (outcome.Batch, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return outcome.Batch{}, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outcome, r.err
}

// Outcome returns the final batch outcome once the run is over.
func (r *Run) Outcome() (outcome.Batch, bool) {
	select {
	case <-r.done:
	default:
		return outcome.Batch{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outcome, true
}

func (r *Run) finish(b outcome.Batch, err error) {
	r.mu.Lock()
	r.outcome = b
	r.err = err
	r.mu.Unlock()
}
