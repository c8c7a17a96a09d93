package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// NewCollector registers its metrics against the global Prometheus registry,
// which panics on duplicate registration, so every sub-behavior here shares
// one Collector instance rather than calling NewCollector per test function.
func TestCollector(t *testing.T) {
	c := NewCollector()

	t.Run("RecordEnqueue increments the enqueued counter", func(t *testing.T) {
		before := testutil.ToFloat64(c.jobsEnqueued)
		c.RecordEnqueue()
		assert.Equal(t, before+1, testutil.ToFloat64(c.jobsEnqueued))
	})

	t.Run("RecordCompleted increments completed counter and observes latency", func(t *testing.T) {
		before := testutil.ToFloat64(c.jobsCompleted)
		c.RecordCompleted(250 * time.Millisecond)
		assert.Equal(t, before+1, testutil.ToFloat64(c.jobsCompleted))
	})

	t.Run("RecordFailed increments failed counter", func(t *testing.T) {
		before := testutil.ToFloat64(c.jobsFailed)
		c.RecordFailed(100 * time.Millisecond)
		assert.Equal(t, before+1, testutil.ToFloat64(c.jobsFailed))
	})

	t.Run("RecordCancelled increments cancelled counter", func(t *testing.T) {
		before := testutil.ToFloat64(c.jobsCancelled)
		c.RecordCancelled()
		assert.Equal(t, before+1, testutil.ToFloat64(c.jobsCancelled))
	})

	t.Run("SetQueueDepth reports the gauge value directly, not cumulatively", func(t *testing.T) {
		c.SetQueueDepth(7)
		assert.Equal(t, float64(7), testutil.ToFloat64(c.queueDepth))
		c.SetQueueDepth(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(c.queueDepth))
	})

	t.Run("SetRotationInProgress toggles between 0 and 1", func(t *testing.T) {
		c.SetRotationInProgress(true)
		assert.Equal(t, float64(1), testutil.ToFloat64(c.rotationInProgress))
		c.SetRotationInProgress(false)
		assert.Equal(t, float64(0), testutil.ToFloat64(c.rotationInProgress))
	})

	t.Run("AddRotationProgress accumulates and ResetRotationProgress zeroes", func(t *testing.T) {
		c.ResetRotationProgress()
		c.AddRotationProgress(5)
		c.AddRotationProgress(3)
		assert.Equal(t, float64(8), testutil.ToFloat64(c.rotationProgress))
		c.ResetRotationProgress()
		assert.Equal(t, float64(0), testutil.ToFloat64(c.rotationProgress))
	})
}
