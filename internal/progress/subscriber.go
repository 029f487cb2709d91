package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// subscriber delivers events to one callback from its own goroutine.
// Immediate events are queued in order; counter and activity changes only
// set flags and are turned into at most one event each per interval.
type subscriber struct {
	m    *Monitor
	fn   func(Event)
	wake chan struct{}

	mu            sync.Mutex
	queue         []Event
	countersDirty bool
	activityDirty bool
	lastThrottled time.Time
	closing       bool
	stopped       bool
}

func newSubscriber(m *Monitor, fn func(Event)) *subscriber {
	return &subscriber{m: m, fn: fn, wake: make(chan struct{}, 1)}
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	if e.Type == EventComplete {
		// The completion event already carries the final counters.
		s.countersDirty = false
		s.activityDirty = false
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) markCounters() {
	s.mu.Lock()
	s.countersDirty = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) markActivity() {
	s.mu.Lock()
	s.activityDirty = true
	s.mu.Unlock()
	s.signal()
}

// drain asks the goroutine to deliver everything pending and exit.
func (s *subscriber) drain() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

// stop asks the goroutine to exit without delivering anything else.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-s.wake:
		case <-timer.C:
			armed = false
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		queue := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, e := range queue {
			s.deliver(e)
		}

		now := time.Now()
		s.mu.Lock()
		var counters, activity bool
		if closing || now.Sub(s.lastThrottled) >= s.m.interval {
			counters, activity = s.countersDirty, s.activityDirty
			s.countersDirty, s.activityDirty = false, false
			if counters || activity {
				s.lastThrottled = now
			}
		}
		pending := s.countersDirty || s.activityDirty
		wait := s.lastThrottled.Add(s.m.interval).Sub(now)
		more := len(s.queue) > 0
		s.mu.Unlock()

		if counters {
			s.deliver(s.m.throttledEvent(EventCounters))
		}
		if activity {
			s.deliver(s.m.throttledEvent(EventActivity))
		}

		if closing {
			if more {
				s.signal()
				continue
			}
			return
		}
		if pending && !armed {
			timer.Reset(max(wait, time.Millisecond))
			armed = true
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.m.logger.Error("progress subscriber panicked", zap.Any("panic", r), zap.String("event", string(e.Type)))
		}
	}()
	s.fn(e)
}

func (m *Monitor) throttledEvent(t EventType) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.snapshotLocked(now)
	e := Event{Type: t, At: now.UTC(), State: &st}
	if t == EventActivity {
		e.Activity = st.CurrentActivity
	}
	return e
}
