package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribersInOrder(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe(JobCompleted, func(e Event) { got = append(got, "first:"+e.JobID) })
	b.Subscribe(JobCompleted, func(e Event) { got = append(got, "second:"+e.JobID) })

	b.Publish(Event{Type: JobCompleted, JobID: "job-1"})

	require.Equal(t, []string{"first:job-1", "second:job-1"}, got)
}

func TestPublishOnlyReachesMatchingType(t *testing.T) {
	b := New()
	var completedCount, failedCount int

	b.Subscribe(JobCompleted, func(e Event) { completedCount++ })
	b.Subscribe(JobFailed, func(e Event) { failedCount++ })

	b.Publish(Event{Type: JobCompleted, JobID: "job-1"})

	assert.Equal(t, 1, completedCount)
	assert.Equal(t, 0, failedCount)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var calls int

	unsub := b.Subscribe(JobEnqueued, func(e Event) { calls++ })
	b.Publish(Event{Type: JobEnqueued})
	unsub()
	b.Publish(Event{Type: JobEnqueued})

	assert.Equal(t, 1, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	unsub := b.Subscribe(JobEnqueued, func(e Event) {})

	assert.NotPanics(t, func() {
		unsub()
		unsub()
	})
}

func TestUnsubscribeDuringDeliveryDoesNotAffectInFlightPublish(t *testing.T) {
	b := New()
	var secondCalled bool
	var firstCalls int
	var unsub Unsubscribe

	unsub = b.Subscribe(JobEnqueued, func(e Event) { firstCalls++; unsub() })
	b.Subscribe(JobEnqueued, func(e Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		b.Publish(Event{Type: JobEnqueued})
	})
	assert.True(t, secondCalled)

	// A second publish should now skip the unsubscribed handler.
	var calledAgain bool
	b.Subscribe(JobEnqueued, func(e Event) { calledAgain = true })
	b.Publish(Event{Type: JobEnqueued})
	assert.True(t, calledAgain)
	assert.Equal(t, 1, firstCalls)
}

func TestBusIsSafeForConcurrentSubscribeAndPublish(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe(JobCompleted, func(e Event) {})
			b.Publish(Event{Type: JobCompleted})
			unsub()
		}()
	}
	wg.Wait()
}
