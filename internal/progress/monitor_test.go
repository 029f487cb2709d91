package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/outcome"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) ofType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestPhaseEventsBypassThrottle(t *testing.T) {
	m := New(Params{Interval: time.Hour})
	defer m.Close()
	c := &collector{}
	m.Subscribe(c.add)

	// The subscription itself yields one counters snapshot.
	require.Eventually(t, func() bool { return len(c.ofType(EventCounters)) == 1 }, time.Second, 5*time.Millisecond)

	m.IncrementFetched()
	m.SetPhase(PhaseAuthenticating)
	m.SetPhase(PhaseDiscovering)
	m.ReportError(ledger.Entry{Phase: "discovery", Message: "boom"})

	require.Eventually(t, func() bool {
		return len(c.ofType(EventPhase)) == 2 && len(c.ofType(EventError)) == 1
	}, time.Second, 5*time.Millisecond)

	phases := c.ofType(EventPhase)
	require.Equal(t, PhaseAuthenticating, phases[0].Phase)
	require.Equal(t, PhaseDiscovering, phases[1].Phase)
	require.Equal(t, 1, phases[1].State.FetchedCount)
	require.Len(t, c.ofType(EventCounters), 1)
}

func TestCounterEventsAreCoalesced(t *testing.T) {
	const interval = 100 * time.Millisecond
	m := New(Params{Interval: interval})
	c := &collector{}
	m.Subscribe(c.add)

	start := time.Now()
	for range 200 {
		m.IncrementFetched()
		m.SetActivity("fetching")
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		counters := c.ofType(EventCounters)
		return len(counters) > 0 && counters[len(counters)-1].State.FetchedCount == 200
	}, 2*time.Second, 10*time.Millisecond)
	elapsed := time.Since(start)
	m.Close()

	counters := c.ofType(EventCounters)
	maxEvents := int(elapsed/interval) + 2
	require.LessOrEqual(t, len(counters), maxEvents)
	require.Less(t, len(counters), 200)

	for i := 1; i < len(counters); i++ {
		gap := counters[i].At.Sub(counters[i-1].At)
		require.GreaterOrEqual(t, gap, interval/2)
	}

	activity := c.ofType(EventActivity)
	require.NotEmpty(t, activity)
	require.Equal(t, "fetching", activity[0].Activity)
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	m := New(Params{Interval: 10 * time.Millisecond})
	m.SetPhase(PhaseProcessing)
	m.ReportError(ledger.Entry{Phase: "download", AssetID: "a"})
	m.Complete(outcome.Batch{Total: 1, Failed: 1})

	c := &collector{}
	m.Subscribe(c.add)
	m.Close()

	require.Len(t, c.ofType(EventPhase), 2)
	require.Len(t, c.ofType(EventError), 1)
	complete := c.ofType(EventComplete)
	require.Len(t, complete, 1)
	require.Equal(t, 1, complete[0].Complete.Failed)
	require.Equal(t, PhaseComplete, complete[0].State.Phase)
	require.NotNil(t, complete[0].State.FinishedAt)
}

func TestCloseDrainsPendingEvents(t *testing.T) {
	m := New(Params{Interval: time.Hour})
	c := &collector{}
	m.Subscribe(c.add)
	m.SetPhase(PhaseProcessing)
	for range 5 {
		m.IncrementStored()
	}
	m.Close()

	require.Len(t, c.ofType(EventPhase), 1)
	counters := c.ofType(EventCounters)
	require.NotEmpty(t, counters)
	require.Equal(t, 5, counters[len(counters)-1].State.StoredCount)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(Params{Interval: time.Millisecond})
	defer m.Close()
	c := &collector{}
	unsubscribe := m.Subscribe(c.add)
	unsubscribe()
	time.Sleep(20 * time.Millisecond)

	before := len(c.ofType(EventPhase))
	m.SetPhase(PhaseProcessing)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, len(c.ofType(EventPhase)))
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	m := New(Params{Interval: time.Hour})
	m.Subscribe(func(Event) { panic("bad subscriber") })
	c := &collector{}
	m.Subscribe(c.add)
	m.SetPhase(PhaseProcessing)
	m.Close()
	require.Len(t, c.ofType(EventPhase), 1)
}

func TestEstimate(t *testing.T) {
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(Params{Now: func() time.Time { return clock }})
	defer m.Close()

	m.SetDiscovered(10)
	m.SetPhase(PhaseProcessing)
	require.Nil(t, m.Snapshot().EstimatedFinishAt)

	clock = clock.Add(10 * time.Second)
	m.AssetFinished(false)
	m.AssetFinished(true)

	s := m.Snapshot()
	require.NotNil(t, s.EstimatedFinishAt)
	require.Equal(t, clock.Add(40*time.Second), *s.EstimatedFinishAt)
	require.Equal(t, 2, s.ProcessedCount)
	require.Equal(t, 1, s.FailedCount)

	m.SetPhase(PhaseFinalizing)
	require.Nil(t, m.Snapshot().EstimatedFinishAt)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New(Params{})
	defer m.Close()
	m.SetPhase(PhaseError)
	s := m.Snapshot()
	require.NotNil(t, s.FinishedAt)
	*s.FinishedAt = time.Time{}
	require.False(t, m.Snapshot().FinishedAt.IsZero())
}
