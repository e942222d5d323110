package pinger

import (
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReceiver(index, count int, lookup ipTargetLookup, queues []*notificationQueue) *Receiver {
	return NewReceiver(index, count, slog.Default(), 0xf00d, lookup, queues)
}

func TestReceiverOwnerForIsMemoizedAndStable(t *testing.T) {
	r := newTestReceiver(0, 4, nil, nil)
	a := r.ownerFor("network-A")
	b := r.ownerFor("network-A")
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 4)
}

func TestReceiverOwnerForDistributesAcrossReceivers(t *testing.T) {
	r := newTestReceiver(0, 4, nil, nil)
	owners := map[int]bool{}
	for i := 0; i < 50; i++ {
		owners[r.ownerFor(net.IPv6loopback.String()+string(rune('a'+i)))] = true
	}
	require.Greater(t, len(owners), 1, "50 distinct network names should spread across more than one owner")
}

func TestReceiverRouteRecordsLocallyWhenSelfOwns(t *testing.T) {
	ip := mustIPv6Array(t, "fd00::1")
	target := Target{IP: net.ParseIP("fd00::1"), Network: "A"}
	lookup := ipTargetLookup{"fd00::1": target}

	queues := []*notificationQueue{newNotificationQueue()}
	r := newTestReceiver(0, 1, lookup, queues)

	r.route(ip, 1500)

	require.Equal(t, int64(0), r.UnknownSourceCount())
	h := r.hostHistograms["fd00::1"]
	require.NotNil(t, h)
	require.Equal(t, uint64(1), h.Count())
}

func TestReceiverRouteCountsUnknownSource(t *testing.T) {
	queues := []*notificationQueue{newNotificationQueue()}
	r := newTestReceiver(0, 1, ipTargetLookup{}, queues)

	r.route(mustIPv6Array(t, "fd00::9"), 1000)

	require.Equal(t, int64(1), r.UnknownSourceCount())
}

func TestReceiverRouteForwardsToOwningPeerQueue(t *testing.T) {
	target := Target{IP: net.ParseIP("fd00::1"), Network: "A"}
	lookup := ipTargetLookup{"fd00::1": target}

	queues := []*notificationQueue{newNotificationQueue(), newNotificationQueue()}
	r0 := newTestReceiver(0, 2, lookup, queues)
	owner := r0.ownerFor("A")
	nonOwner := 0
	if owner == 0 {
		nonOwner = 1
	}
	rNonOwner := newTestReceiver(nonOwner, 2, lookup, queues)

	rNonOwner.route(mustIPv6Array(t, "fd00::1"), 2500)

	s, ok := queues[owner].tryPop()
	require.True(t, ok, "a sample for a network owned by a peer must land on the peer's queue")
	require.Equal(t, uint32(2500), s.rttUs)
}

func TestReceiverRouteCountsQueueOverflow(t *testing.T) {
	target := Target{IP: net.ParseIP("fd00::1"), Network: "A"}
	lookup := ipTargetLookup{"fd00::1": target}

	full := &notificationQueue{ch: make(chan sample)} // zero-capacity: every push fails
	queues := []*notificationQueue{full, newNotificationQueue()}
	r0 := newTestReceiver(0, 2, lookup, queues)
	owner := r0.ownerFor("A")
	nonOwner := 0
	if owner == 0 {
		nonOwner = 1
	}
	rNonOwner := newTestReceiver(nonOwner, 2, lookup, queues)

	rNonOwner.route(mustIPv6Array(t, "fd00::1"), 1000)

	require.Equal(t, int64(1), rNonOwner.QueueOverflowCount())
}

func TestReceiverOnMessageAvailableFiltersBadSignatureAndShortReads(t *testing.T) {
	target := Target{IP: net.ParseIP("fd00::1"), Network: "A"}
	lookup := ipTargetLookup{"fd00::1": target}
	queues := []*notificationQueue{newNotificationQueue()}
	r := newTestReceiver(0, 1, lookup, queues)

	ip := mustIPv6Array(t, "fd00::1")

	r.onMessageAvailable(4, ip, make([]byte, 4)) // too short
	require.Zero(t, r.UnknownSourceCount())

	buf := make([]byte, ProbeBodyLen)
	require.NoError(t, MarshalProbeBody(buf, r.signature^1, 100, 0)) // wrong signature
	r.onMessageAvailable(len(buf), ip, buf)

	_, recorded := r.hostHistograms["fd00::1"]
	require.False(t, recorded, "signature mismatch must never contribute to num_recv")

	require.NoError(t, MarshalProbeBody(buf, r.signature, 100, 0))
	r.onMessageAvailable(len(buf), ip, buf)

	h, recorded := r.hostHistograms["fd00::1"]
	require.True(t, recorded)
	require.Equal(t, uint64(1), h.Count())
}

func TestReceiverResultsClampsLossRatioAndZeroesRTTOnFullLoss(t *testing.T) {
	target := Target{IP: net.ParseIP("fd00::1"), Network: "A", Name: "h1"}
	lookup := ipTargetLookup{"fd00::1": target}
	queues := []*notificationQueue{newNotificationQueue()}
	r := newTestReceiver(0, 1, lookup, queues)

	plans := []*TestPlan{{Target: target, NumPackets: 10, PacketsSent: 10}}

	hosts, networks := r.Results(Target{Name: "src"}, plans)
	require.Len(t, hosts, 1)
	require.Len(t, networks, 1)

	m := hosts[0].Metrics
	require.Equal(t, 10, m.NumXmit)
	require.Zero(t, m.NumRecv)
	require.Equal(t, 1.0, m.LossRatio)
	require.Zero(t, m.RTTAvg)
	require.Zero(t, m.RTTMax)
}

func mustIPv6Array(t *testing.T, s string) [16]byte {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	arr, ok := asIPv6Array(ip)
	require.True(t, ok)
	return arr
}
