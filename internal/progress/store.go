package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrNotFound = errors.New("job not found")

// subscriberBuffer bounds how many undelivered updates a slow subscriber may
// hold before the oldest one is dropped.
const subscriberBuffer = 8

// Subscription is a handle to a stream of state updates for one job.
type Subscription struct {
	jobID  string
	ch     chan State
	closed bool // guarded by the owning store's mutex
}

// Updates returns the channel of state updates. The channel is closed after
// the terminal state has been delivered, or on Unsubscribe.
func (s *Subscription) Updates() <-chan State {
	return s.ch
}

type entry struct {
	latest     State
	subs       map[*Subscription]struct{}
	terminalAt time.Time
}

// Store is the process-wide authoritative map from job ID to its latest
// progress state. One instance is constructed at startup and injected into
// the pipeline driver and the stream adapters.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*entry

	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewStore creates a store that retains terminal entries for the given
// duration before evicting them.
func NewStore(retention time.Duration) *Store {
	s := &Store{
		jobs:      make(map[string]*entry),
		retention: retention,
		stop:      make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Close stops the eviction worker.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Publish replaces the current snapshot for the job and fans it out to all
// subscribers. Publishing after a terminal state, moving a stage backward, or
// decreasing percent is ignored with a log line; this guards against a
// misbehaving driver double-firing.
func (s *Store) Publish(jobID string, st State) {
	now := time.Now()
	st.JobID = jobID
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = now
	}
	if !st.Stage.Valid() {
		slog.Warn("Ignoring publish with unknown stage", "jobId", jobID, "stage", st.Stage)
		return
	}
	if st.Percent < 0 {
		slog.Warn("Clamping out-of-range percent", "jobId", jobID, "percent", st.Percent)
		st.Percent = 0
	} else if st.Percent > 100 {
		slog.Warn("Clamping out-of-range percent", "jobId", jobID, "percent", st.Percent)
		st.Percent = 100
	}
	if st.Stage == StageProcessed {
		st.Percent = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		e = &entry{subs: make(map[*Subscription]struct{})}
		s.jobs[jobID] = e
	} else {
		prev := e.latest
		if prev.Stage.Terminal() {
			slog.Warn("Ignoring publish after terminal state", "jobId", jobID, "stage", st.Stage)
			return
		}
		if st.Stage != prev.Stage && !prev.Stage.CanTransitionTo(st.Stage) {
			slog.Warn("Ignoring illegal stage transition", "jobId", jobID, "from", prev.Stage, "to", st.Stage)
			return
		}
		if st.Stage == StageFailed {
			// Percent freezes at its last value on failure.
			st.Percent = prev.Percent
		} else if st.Percent < prev.Percent {
			slog.Warn("Ignoring publish with decreasing percent", "jobId", jobID, "percent", st.Percent)
			return
		}
		st.CreatedAt = prev.CreatedAt
	}

	e.latest = st

	for sub := range e.subs {
		deliver(sub, st)
	}

	if st.Stage.Terminal() {
		e.terminalAt = now
		for sub := range e.subs {
			sub.closed = true
			close(sub.ch)
		}
		e.subs = make(map[*Subscription]struct{})
	}
}

// deliver sends st without ever blocking. If the subscriber's buffer is full,
// the oldest buffered update is dropped so the newest state always lands.
func deliver(sub *Subscription, st State) {
	select {
	case sub.ch <- st:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- st:
	default:
	}
}

// Latest returns the current snapshot for the job, or ErrNotFound if the job
// is unknown or has been evicted.
func (s *Store) Latest(jobID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return State{}, ErrNotFound
	}
	return e.latest, nil
}

// Subscribe registers a listener for every subsequent Publish on the job. If
// the job is already terminal the terminal state is delivered immediately and
// the channel closed.
func (s *Store) Subscribe(jobID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	sub := &Subscription{jobID: jobID, ch: make(chan State, subscriberBuffer)}
	if e.latest.Stage.Terminal() {
		sub.ch <- e.latest
		sub.closed = true
		close(sub.ch)
		return sub, nil
	}

	e.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes the listener. It is idempotent and safe to call after
// the store has already closed the subscription on terminal delivery.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.closed {
		return
	}
	if e, ok := s.jobs[sub.jobID]; ok {
		delete(e.subs, sub)
	}
	sub.closed = true
	close(sub.ch)
}

// SubscriberCount returns the number of live subscriptions for the job.
func (s *Store) SubscriberCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return 0
	}
	return len(e.subs)
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) evictLoop() {
	interval := s.retention / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.jobs {
		if !e.terminalAt.IsZero() && e.terminalAt.Before(cutoff) {
			delete(s.jobs, id)
			slog.Debug("Evicted terminal job", "jobId", id)
		}
	}
}
