package pinger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotificationQueuePushTryPop(t *testing.T) {
	q := newNotificationQueue()
	_, ok := q.tryPop()
	require.False(t, ok, "empty queue must not yield a sample")

	s := sample{ip: "::1", target: Target{Name: "a"}, rttUs: 1234}
	require.True(t, q.push(s))

	got, ok := q.tryPop()
	require.True(t, ok)
	require.Equal(t, s, got)
}

func TestNotificationQueueDropsOnOverflow(t *testing.T) {
	q := &notificationQueue{ch: make(chan sample, 2)}
	require.True(t, q.push(sample{ip: "a"}))
	require.True(t, q.push(sample{ip: "b"}))
	require.False(t, q.push(sample{ip: "c"}), "push past capacity must report failure instead of blocking")
}

func TestNotificationQueueDrain(t *testing.T) {
	q := &notificationQueue{ch: make(chan sample, 4)}
	for i := 0; i < 3; i++ {
		require.True(t, q.push(sample{ip: "x", rttUs: uint32(i)}))
	}
	drained := q.drain()
	require.Len(t, drained, 3)
	_, ok := q.tryPop()
	require.False(t, ok)
}
