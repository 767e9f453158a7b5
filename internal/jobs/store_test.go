package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildforge/internal/db/dbtest"
	"buildforge/internal/extract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t, &Job{}, &Event{}))
}

func createJob(t *testing.T, s *Store, projectID uint) *Job {
	t.Helper()
	job := &Job{ProjectID: projectID, UserID: 1, Prompt: "Build a pricing page"}
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusSuccess, false},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusSuccess, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, s, 7)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "auto", job.Provider)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, uint(7), got.ProjectID)
	assert.Nil(t, got.Artifact)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.FinishedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(ctx, job.ID); err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, ErrNotClaimable)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	_, err = s.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)

	// not running yet
	require.NoError(t, s.SetProgress(ctx, job.ID, 50))
	got, _ := s.Get(ctx, job.ID)
	assert.Equal(t, 0, got.Progress)

	_, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)
	for _, p := range []int{10, 40, 30, 90, 20} {
		require.NoError(t, s.SetProgress(ctx, job.ID, p))
	}
	got, _ = s.Get(ctx, job.ID)
	assert.Equal(t, 90, got.Progress)
}

func TestCompleteSetsArtifactAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)
	_, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)

	art := NewArtifact(extract.Extract("```html\n<div>Pricing</div>\n```"))
	require.NoError(t, s.Complete(ctx, job.ID, art))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "<div>Pricing</div>", got.Artifact.Combined)
	require.Len(t, got.Artifact.Blocks, 1)
	assert.Equal(t, "index.html", got.Artifact.Blocks[0].Filename)
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.FinishedAt)
}

func TestTerminalExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)
	_, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, job.ID, "openai: boom"))

	assert.ErrorIs(t, s.Complete(ctx, job.ID, &Artifact{Combined: "x"}), ErrTerminal)
	assert.ErrorIs(t, s.Fail(ctx, job.ID, "again"), ErrTerminal)
	assert.ErrorIs(t, s.Cancel(ctx, job.ID, StatusRunning, nil), ErrTerminal)
	require.NoError(t, s.SetProgress(ctx, job.ID, 99))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "openai: boom", *got.Error)
	assert.Nil(t, got.Artifact)
	assert.Equal(t, 0, got.Progress)
}

func TestConcurrentFinishersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)
	_, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				err = s.Complete(ctx, job.ID, &Artifact{Combined: "x"})
			case 1:
				err = s.Fail(ctx, job.ID, "x")
			default:
				err = s.Cancel(ctx, job.ID, StatusRunning, nil)
			}
			if err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestCancelQueuedKeepsArtifactNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)

	assert.Error(t, s.Cancel(ctx, job.ID, StatusRunning, nil))
	require.NoError(t, s.Cancel(ctx, job.ID, StatusQueued, nil))

	got, _ := s.Get(ctx, job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.Artifact)

	_, err := s.Claim(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestCancelRunningStoresPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)
	_, err := s.Claim(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, job.ID, StatusRunning, &Artifact{Combined: "<p>half</p>"}))
	got, _ := s.Get(ctx, job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.Artifact)
	require.NotNil(t, got.PartialArtifact)
	assert.Equal(t, "<p>half</p>", got.PartialArtifact.Combined)
}

func TestListByProjectNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		ids = append(ids, createJob(t, s, 3).ID)
	}
	createJob(t, s, 4)

	list, err := s.ListByProject(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[3], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)
	assert.Equal(t, ids[1], list[2].ID)

	queued, err := s.ListByStatus(ctx, StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 5)
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, 1)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			JobID:   job.ID,
			Seq:     i,
			Type:    EventCodegenProgress,
			Payload: Payload{Progress: int(i) * 10, Step: int(i)},
		}))
	}

	// duplicate seq is rejected by the unique index
	assert.Error(t, s.AppendEvent(ctx, &Event{JobID: job.ID, Seq: 3, Type: EventError}))

	all, err := s.Events(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, 30, all[2].Payload.Progress)

	after, err := s.Events(ctx, job.ID, 3)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(4), after[0].Seq)

	recent, err := s.RecentEvents(ctx, job.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Seq)
	assert.Equal(t, int64(5), recent[1].Seq)

	last, err := s.LastEvent(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last.Seq)

	none, err := s.LastEvent(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPurgeFinishedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := createJob(t, s, 1)
	fresh := createJob(t, s, 1)
	running := createJob(t, s, 1)
	for _, j := range []*Job{old, fresh, running} {
		_, err := s.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(ctx, &Event{JobID: j.ID, Seq: 1, Type: EventJobStarted}))
	}

	s.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	require.NoError(t, s.Fail(ctx, old.ID, "x"))
	s.now = func() time.Time { return time.Now().UTC() }
	require.NoError(t, s.Fail(ctx, fresh.ID, "x"))

	n, err := s.PurgeFinishedBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	events, err := s.Events(ctx, old.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, running.ID)
	assert.NoError(t, err)
}
