package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 8)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s1", Event{Type: TypePhaseStart, Phase: "analyze", Iteration: 1})

	select {
	case evt := <-ch:
		assert.Equal(t, "s1", evt.SessionID)
		assert.Equal(t, TypePhaseStart, evt.Type)
		assert.Equal(t, uint64(1), evt.Seq)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 8)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s1", Event{Type: TypePhaseStart})
	m.Publish("s1", Event{Type: TypeAgentCompleted})
	m.Publish("s1", Event{Type: TypeSynthesisReady})

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, (<-ch).Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestReplaySinceSkipsConsumed(t *testing.T) {
	m := NewManager(16)
	m.Publish("s1", Event{Type: TypePhaseStart})
	m.Publish("s1", Event{Type: TypeAgentCompleted})
	m.Publish("s1", Event{Type: TypeIterationComplete})

	replayed := m.ReplaySince("s1", 1)
	require.Len(t, replayed, 2)
	assert.Equal(t, TypeAgentCompleted, replayed[0].Type)
	assert.Equal(t, TypeIterationComplete, replayed[1].Type)

	assert.Empty(t, m.ReplaySince("s1", 3))
	assert.Empty(t, m.ReplaySince("unknown", 0))
}

func TestMetricEventsNotReplayed(t *testing.T) {
	m := NewManager(16)
	m.Publish("s1", Event{Type: TypePhaseStart})
	m.Publish("s1", Event{Type: TypeMetric})
	m.Publish("s1", Event{Type: TypeSessionCompleted})

	replayed := m.ReplaySince("s1", 0)
	require.Len(t, replayed, 2)
	assert.Equal(t, TypePhaseStart, replayed[0].Type)
	assert.Equal(t, TypeSessionCompleted, replayed[1].Type)
	// Seq numbers still account for the metric event.
	assert.Equal(t, uint64(3), replayed[1].Seq)
}

func TestSlowSubscriberDropsButRingRetains(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s1", Event{Type: TypePhaseStart})
	m.Publish("s1", Event{Type: TypeAgentCompleted}) // dropped from live channel

	assert.Len(t, m.ReplaySince("s1", 0), 2)
	evt := <-ch
	assert.Equal(t, TypePhaseStart, evt.Type)
	// Lost live event is recoverable from the ring.
	missed := m.ReplaySince("s1", evt.Seq)
	require.Len(t, missed, 1)
	assert.Equal(t, TypeAgentCompleted, missed[0].Type)
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(2)
	for i := 0; i < 5; i++ {
		m.Publish("s1", Event{Type: TypeAgentCompleted})
	}
	replayed := m.ReplaySince("s1", 0)
	require.Len(t, replayed, 2)
	assert.Equal(t, uint64(4), replayed[0].Seq)
	assert.Equal(t, uint64(5), replayed[1].Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("s1", 1)
	m.Unsubscribe("s1", ch)
	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe must not panic.
	m.Unsubscribe("s1", ch)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(16)
	m.Publish("s1", Event{Type: TypeSessionCompleted})
	require.NotEmpty(t, m.ReplaySince("s1", 0))
	m.Forget("s1")
	assert.Empty(t, m.ReplaySince("s1", 0))
}
