// Package progress tracks the state of a migration run and fans it out to
// subscribers.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/outcome"
)

const DefaultInterval = time.Second

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAuthenticating Phase = "authenticating"
	PhaseDiscovering    Phase = "discovering"
	PhaseEnumerating    Phase = "enumerating"
	PhaseProcessing     Phase = "processing"
	PhaseFinalizing     Phase = "finalizing"
	PhaseComplete       Phase = "complete"
	PhaseError          Phase = "error"
)

// Terminal reports whether no further transitions follow p.
func (p Phase) Terminal() bool { return p == PhaseComplete || p == PhaseError }

// State is a snapshot of run progress. Readers always get a copy.
type State struct {
	Phase             Phase      `json:"phase"`
	DiscoveredCount   int        `json:"discoveredCount"`
	FetchedCount      int        `json:"fetchedCount"`
	StoredCount       int        `json:"storedCount"`
	SidecarCount      int        `json:"sidecarCount"`
	ProcessedCount    int        `json:"processedCount"`
	FailedCount       int        `json:"failedCount"`
	ErrorCount        int        `json:"errorCount"`
	CurrentActivity   string     `json:"currentActivity,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
	EstimatedFinishAt *time.Time `json:"estimatedFinishAt,omitempty"`
}

// Monitor owns the progress state. All methods are safe for concurrent use
// and never block on subscribers.
type Monitor struct {
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu           sync.Mutex
	state        State
	phaseStarted time.Time
	history      []Event
	subs         map[int]*subscriber
	nextID       int
	closed       bool
	wg           sync.WaitGroup
}

type Params struct {
	// Interval between coalesced counter and activity events; defaults to one second.
	Interval time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
}

func New(p Params) *Monitor {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	now := p.Now()
	return &Monitor{
		interval:     p.Interval,
		now:          p.Now,
		logger:       p.Logger,
		state:        State{Phase: PhaseIdle, StartedAt: now.UTC()},
		phaseStarted: now,
		subs:         make(map[int]*subscriber),
	}
}

// Snapshot returns a copy of the current state with a fresh estimate.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.now())
}

// Subscribe registers fn. Phase, error and completion events that already
// happened are replayed first, so a late subscriber still sees the whole run.
// fn is called from a dedicated goroutine, one event at a time.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newSubscriber(m, fn)
	s.queue = append(s.queue, m.history...)
	s.countersDirty = true
	id := m.nextID
	m.nextID++
	if m.closed {
		// Deliver the replay and exit.
		s.closing = true
	} else {
		m.subs[id] = s
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	s.signal()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		s.stop()
	}
}

// SetPhase transitions the run and emits a phase event immediately.
func (m *Monitor) SetPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == p {
		return
	}
	now := m.now()
	m.state.Phase = p
	m.phaseStarted = now
	m.state.EstimatedFinishAt = nil
	if p.Terminal() {
		t := now.UTC()
		m.state.FinishedAt = &t
	}
	m.logger.Info("phase changed", zap.String("phase", string(p)))
	m.emitLocked(Event{Type: EventPhase, Phase: p}, now)
}

// Fail moves the run to the error phase with msg as the current activity.
func (m *Monitor) Fail(msg string) {
	m.SetActivity(msg)
	m.SetPhase(PhaseError)
}

func (m *Monitor) SetDiscovered(n int) { m.update(func(s *State) { s.DiscoveredCount = n }) }
func (m *Monitor) IncrementFetched()   { m.update(func(s *State) { s.FetchedCount++ }) }
func (m *Monitor) IncrementStored()    { m.update(func(s *State) { s.StoredCount++ }) }
func (m *Monitor) IncrementSidecars()  { m.update(func(s *State) { s.SidecarCount++ }) }
func (m *Monitor) IncrementErrors()    { m.update(func(s *State) { s.ErrorCount++ }) }

// AssetFinished counts an asset reaching a terminal state.
func (m *Monitor) AssetFinished(failed bool) {
	m.update(func(s *State) {
		s.ProcessedCount++
		if failed {
			s.FailedCount++
		}
	})
}

// SetActivity replaces the free-text activity. Activity events are coalesced
// like counters.
func (m *Monitor) SetActivity(activity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.CurrentActivity == activity {
		return
	}
	m.state.CurrentActivity = activity
	for _, s := range m.subs {
		s.markActivity()
	}
}

// ReportError counts a recorded ledger entry and emits it immediately.
func (m *Monitor) ReportError(e ledger.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ErrorCount++
	m.emitLocked(Event{Type: EventError, Error: &e}, m.now())
}

// Complete moves the run to PhaseComplete and emits the outcome immediately.
func (m *Monitor) Complete(b outcome.Batch) {
	m.SetPhase(PhaseComplete)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(Event{Type: EventComplete, Complete: &b}, m.now())
}

// Close delivers whatever is queued to each subscriber and waits for their
// goroutines to exit. Later subscribers only receive the replay.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[int]*subscriber)
	m.mu.Unlock()

	for _, s := range subs {
		s.drain()
	}
	m.wg.Wait()
}

func (m *Monitor) update(fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	for _, s := range m.subs {
		s.markCounters()
	}
}

func (m *Monitor) emitLocked(e Event, now time.Time) {
	e.At = now.UTC()
	st := m.snapshotLocked(now)
	e.State = &st
	m.history = append(m.history, e)
	for _, s := range m.subs {
		s.push(e)
	}
}

// snapshotLocked copies the state and recomputes the completion estimate.
func (m *Monitor) snapshotLocked(now time.Time) State {
	st := m.state
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		st.FinishedAt = &t
	}
	st.EstimatedFinishAt = nil
	if eta, ok := estimate(m.state, m.phaseStarted, now); ok {
		st.EstimatedFinishAt = &eta
		m.state.EstimatedFinishAt = &eta
	}
	return st
}

// estimate projects now + remaining/throughput using the counter that drives
// the current phase. It is undefined until that counter has moved.
func estimate(s State, phaseStarted, now time.Time) (time.Time, bool) {
	if s.Phase != PhaseProcessing {
		return time.Time{}, false
	}
	done, total := s.ProcessedCount, s.DiscoveredCount
	if done <= 0 || total <= 0 || done >= total {
		return time.Time{}, false
	}
	elapsed := now.Sub(phaseStarted)
	if elapsed <= 0 {
		return time.Time{}, false
	}
	perUnit := elapsed / time.Duration(done)
	return now.Add(perUnit * time.Duration(total-done)).UTC(), true
}
