package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"buildforge/internal/db/dbtest"
	"buildforge/internal/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *jobs.Store, string) {
	t.Helper()
	store := jobs.NewStore(dbtest.Open(t, &jobs.Job{}, &jobs.Event{}))
	job := &jobs.Job{ProjectID: 1, UserID: 1, Prompt: "p"}
	require.NoError(t, store.Create(context.Background(), job))
	return NewBus(store), store, job.ID
}

func progress(p int) *jobs.Event {
	return &jobs.Event{Type: jobs.EventCodegenProgress, Payload: jobs.Payload{Progress: p}}
}

func completed() *jobs.Event {
	return &jobs.Event{Type: jobs.EventJobCompleted, Payload: jobs.Payload{Progress: 100, Status: jobs.StatusSuccess}}
}

// drain reads a subscription until its channel closes
func drain(t *testing.T, sub *Subscription) []jobs.Event {
	t.Helper()
	var out []jobs.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("subscription never closed")
			return out
		}
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e := progress(i * 10)
		require.NoError(t, bus.Append(ctx, jobID, e))
		assert.Equal(t, int64(i), e.Seq)
		assert.Equal(t, jobID, e.JobID)
		assert.NotEmpty(t, e.ID)
	}

	events, err := bus.Replay(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, (i+1)*10, e.Payload.Progress)
	}
}

func TestAppendAfterTerminalIsRejected(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Append(ctx, jobID, progress(10)))
	require.NoError(t, bus.Append(ctx, jobID, completed()))
	assert.ErrorIs(t, bus.Append(ctx, jobID, progress(20)), ErrClosed)

	events, err := bus.Replay(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSubscribeToFinishedJob(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Append(ctx, jobID, progress(10)))
	require.NoError(t, bus.Append(ctx, jobID, completed()))

	sub, backlog, err := bus.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	assert.Len(t, backlog, 2)
	assert.Empty(t, drain(t, sub))
	assert.False(t, sub.Dropped())

	sub, backlog, err = bus.Subscribe(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, jobs.EventJobCompleted, backlog[0].Type)
	sub.Close()
}

func TestReplayThenLiveHasNoGapsOrDuplicates(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()
	const total = 120

	var wg sync.WaitGroup
	results := make([][]jobs.Event, 8)

	start := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 1; i < total; i++ {
			assert.NoError(t, bus.Append(ctx, jobID, progress(i*100/total)))
		}
		assert.NoError(t, bus.Append(ctx, jobID, completed()))
	}()

	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			time.Sleep(time.Duration(n) * time.Millisecond)
			sub, backlog, err := bus.Subscribe(ctx, jobID, 0)
			if !assert.NoError(t, err) {
				return
			}
			defer sub.Close()
			results[n] = append(backlog, drain(t, sub)...)
		}(n)
	}

	close(start)
	wg.Wait()

	for n, got := range results {
		require.Len(t, got, total, "subscriber %d", n)
		for i, e := range got {
			assert.Equal(t, int64(i+1), e.Seq, "subscriber %d position %d", n, i)
		}
		assert.Equal(t, jobs.EventJobCompleted, got[total-1].Type)
	}
}

func TestResumeAfterSeq(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Append(ctx, jobID, progress(i)))
	}
	sub, backlog, err := bus.Subscribe(ctx, jobID, 3)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, backlog, 2)
	assert.Equal(t, int64(4), backlog[0].Seq)

	require.NoError(t, bus.Append(ctx, jobID, progress(9)))
	live := <-sub.Events()
	assert.Equal(t, int64(6), live.Seq)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	bus.buffer = 2
	ctx := context.Background()

	slow, _, err := bus.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	fast, _, err := bus.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)

	var fastGot []jobs.Event
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Append(ctx, jobID, progress(i)))
		fastGot = append(fastGot, <-fast.Events())
	}
	assert.Len(t, fastGot, 5)
	assert.False(t, fast.Dropped())

	got := drain(t, slow)
	assert.Len(t, got, 2)
	assert.True(t, slow.Dropped())

	// resubscribe from the last seen seq and catch up
	again, backlog, err := bus.Subscribe(ctx, jobID, got[len(got)-1].Seq)
	require.NoError(t, err)
	defer again.Close()
	require.Len(t, backlog, 3)
	assert.Equal(t, int64(3), backlog[0].Seq)
	fast.Close()
}

func TestCloseDetaches(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	sub, _, err := bus.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	require.NoError(t, bus.Append(ctx, jobID, progress(1)))
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.False(t, sub.Dropped())
}

func TestEvictReloadsState(t *testing.T) {
	bus, _, jobID := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Append(ctx, jobID, progress(1)))
	require.NoError(t, bus.Append(ctx, jobID, progress(2)))

	sub, _, err := bus.Subscribe(ctx, jobID, 0)
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Hour)
	bus.now = func() time.Time { return later }
	assert.Equal(t, 0, bus.Evict(time.Minute), "streams with subscribers stay")
	sub.Close()

	bus.now = func() time.Time { return later.Add(time.Hour) }
	assert.Equal(t, 1, bus.Evict(time.Minute))
	assert.Equal(t, 0, bus.Streams())

	e := progress(3)
	require.NoError(t, bus.Append(ctx, jobID, e))
	assert.Equal(t, int64(3), e.Seq)

	require.NoError(t, bus.Append(ctx, jobID, completed()))
	bus.now = func() time.Time { return later.Add(3 * time.Hour) }
	assert.Equal(t, 1, bus.Evict(time.Minute))
	assert.ErrorIs(t, bus.Append(ctx, jobID, progress(5)), ErrClosed)
}

type fakePurger struct {
	cutoff time.Time
	calls  int
}

func (f *fakePurger) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return 2, nil
}

func TestJanitor(t *testing.T) {
	bus, _, _ := newTestBus(t)

	_, err := NewJanitor(bus, nil, JanitorConfig{EvictSpec: "not a spec"})
	assert.Error(t, err)

	p := &fakePurger{}
	cfg := DefaultJanitorConfig()
	cfg.Retention = 24 * time.Hour
	j, err := NewJanitor(bus, p, cfg)
	require.NoError(t, err)
	assert.Len(t, j.cron.Entries(), 2)

	j.purge()
	assert.Equal(t, 1, p.calls)
	assert.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), p.cutoff, time.Minute)

	j.Start()
	j.Stop()

	noPurge, err := NewJanitor(bus, p, DefaultJanitorConfig())
	require.NoError(t, err)
	assert.Len(t, noPurge.cron.Entries(), 1)
}
