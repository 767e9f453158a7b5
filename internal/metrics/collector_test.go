package metrics

import (
	"context"
	"testing"

	"buildforge/internal/db/dbtest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSamplesJobsAndStreams(t *testing.T) {
	gdb := dbtest.Open(t)
	require.NoError(t, gdb.Exec(`CREATE TABLE build_jobs (id TEXT PRIMARY KEY, status TEXT NOT NULL)`).Error)
	require.NoError(t, gdb.Exec(`INSERT INTO build_jobs (id, status) VALUES ('a', 'queued'), ('b', 'queued'), ('c', 'success')`).Error)

	c := NewCollector(gdb, func() int { return 3 }, 0)
	c.Collect(context.Background())

	m := Get()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsByStatus.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsByStatus.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsByStatus.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamsActive))
	assert.Positive(t, testutil.ToFloat64(m.GoroutineNum))
}

func TestRecordJobLifecycle(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.JobsRunning)

	m.RecordJobStarted("single")
	assert.Equal(t, before+1, testutil.ToFloat64(m.JobsRunning))

	m.RecordJobFinished("single", "success", 0)
	assert.Equal(t, before, testutil.ToFloat64(m.JobsRunning))
	assert.Positive(t, testutil.ToFloat64(m.JobsFinishedTotal.WithLabelValues("single", "success")))
}

func TestStatusCodeLabel(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToLabel(204))
	assert.Equal(t, "4xx", statusCodeToLabel(404))
	assert.Equal(t, "5xx", statusCodeToLabel(503))
}
