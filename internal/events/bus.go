// Package events is the per-job append-only event log with live fan-out.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"buildforge/internal/jobs"
	"buildforge/internal/metrics"

	"github.com/google/uuid"
)

// ErrClosed is returned when appending to a job whose stream already ended
var ErrClosed = errors.New("event stream closed")

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 256

// Store is the persistence the bus writes through
type Store interface {
	AppendEvent(ctx context.Context, e *jobs.Event) error
	Events(ctx context.Context, jobID string, afterSeq int64) ([]jobs.Event, error)
	LastEvent(ctx context.Context, jobID string) (*jobs.Event, error)
}

// Bus assigns per-job sequence numbers, persists events and pushes them
// to live subscribers. Slow subscribers are dropped, never waited on.
type Bus struct {
	store  Store
	buffer int
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	loaded  bool
	evicted bool
	closed  bool
	lastSeq int64
	touched time.Time
	subs    map[*Subscription]struct{}
}

// NewBus creates a bus over store
func NewBus(store Store) *Bus {
	return &Bus{
		store:   store,
		buffer:  DefaultBuffer,
		now:     func() time.Time { return time.Now().UTC() },
		streams: make(map[string]*stream),
	}
}

// lock returns the live stream for jobID, locked and loaded
func (b *Bus) lock(ctx context.Context, jobID string) (*stream, error) {
	for {
		b.mu.Lock()
		st, ok := b.streams[jobID]
		if !ok {
			st = &stream{subs: make(map[*Subscription]struct{})}
			b.streams[jobID] = st
		}
		b.mu.Unlock()

		st.mu.Lock()
		if st.evicted {
			// lost a race with the janitor; pick up the replacement
			st.mu.Unlock()
			continue
		}
		if !st.loaded {
			last, err := b.store.LastEvent(ctx, jobID)
			if err != nil {
				st.mu.Unlock()
				return nil, err
			}
			if last != nil {
				st.lastSeq = last.Seq
				st.closed = last.Terminal()
			}
			st.loaded = true
		}
		st.touched = b.now()
		return st, nil
	}
}

// Append assigns the next sequence number to e, persists it and fans it
// out. Appending after the terminal job_completed event fails with
// ErrClosed.
func (b *Bus) Append(ctx context.Context, jobID string, e *jobs.Event) error {
	st, err := b.lock(ctx, jobID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	if st.closed {
		return ErrClosed
	}

	e.JobID = jobID
	e.Seq = st.lastSeq + 1
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now()
	}
	if err := b.store.AppendEvent(ctx, e); err != nil {
		return err
	}
	st.lastSeq = e.Seq
	metrics.Get().EventsAppendedTotal.WithLabelValues(string(e.Type)).Inc()

	for sub := range st.subs {
		select {
		case sub.ch <- *e:
		default:
			sub.dropped = true
			st.detach(sub)
			metrics.Get().SubscribersDropped.Inc()
		}
	}

	if e.Terminal() {
		st.closed = true
		for sub := range st.subs {
			st.detach(sub)
		}
	}
	return nil
}

// Replay returns every persisted event of a job in order
func (b *Bus) Replay(ctx context.Context, jobID string) ([]jobs.Event, error) {
	return b.store.Events(ctx, jobID, 0)
}

// Subscribe returns the events after afterSeq plus a subscription that
// delivers everything appended from then on. Both are taken under the
// job's append lock, so the backlog and the live tail neither overlap nor
// leave a gap. On a finished job the subscription is already closed.
func (b *Bus) Subscribe(ctx context.Context, jobID string, afterSeq int64) (*Subscription, []jobs.Event, error) {
	st, err := b.lock(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	defer st.mu.Unlock()

	backlog, err := b.store.Events(ctx, jobID, afterSeq)
	if err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		ch:     make(chan jobs.Event, b.buffer),
		stream: st,
	}
	if st.closed {
		close(sub.ch)
		sub.closed = true
	} else {
		st.subs[sub] = struct{}{}
	}
	return sub, backlog, nil
}

// Evict drops in-memory state for jobs that have had no subscribers and
// no appends for longer than idle. State is reloaded from the store on
// next use. It returns the number of streams evicted.
func (b *Bus) Evict(idle time.Duration) int {
	cutoff := b.now().Add(-idle)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, st := range b.streams {
		st.mu.Lock()
		if len(st.subs) == 0 && st.touched.Before(cutoff) {
			st.evicted = true
			delete(b.streams, id)
			n++
		}
		st.mu.Unlock()
	}
	if n > 0 {
		metrics.Get().StreamsEvicted.Add(float64(n))
	}
	return n
}

// Streams returns the number of jobs with in-memory state
func (b *Bus) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// detach removes sub and closes its channel. Caller holds st.mu.
func (st *stream) detach(sub *Subscription) {
	if sub.closed {
		return
	}
	delete(st.subs, sub)
	close(sub.ch)
	sub.closed = true
}

// Subscription is a live tail on one job. Its channel closes after the
// terminal event, after Close, or when the bus drops it for falling
// behind; Dropped tells the last case apart.
type Subscription struct {
	ch     chan jobs.Event
	stream *stream

	// guarded by stream.mu
	closed  bool
	dropped bool
}

// Events is the live channel
func (s *Subscription) Events() <-chan jobs.Event { return s.ch }

// Dropped reports whether the bus cut this subscriber off for being too
// slow. The caller should resubscribe after the last seq it saw.
func (s *Subscription) Dropped() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.stream.detach(s)
}
