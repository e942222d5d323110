package pinger

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortHasherDeterministic(t *testing.T) {
	a := portHasher("fd00::1", 0, 5)
	b := portHasher("fd00::1", 0, 5)
	require.Equal(t, a, b)
}

func TestPortHasherVariesWithInputs(t *testing.T) {
	base := portHasher("fd00::1", 0, 0)
	require.NotEqual(t, base, portHasher("fd00::2", 0, 0))
	require.NotEqual(t, base, portHasher("fd00::1", 1, 0))
	require.NotEqual(t, base, portHasher("fd00::1", 0, 1))
}

func TestSenderChoosePortStaysWithinAvailableSet(t *testing.T) {
	s := &Sender{availablePorts: []uint16{25000, 25001, 25002}}
	seen := map[uint16]bool{}
	for i := 0; i < 50; i++ {
		p := s.choosePort("fd00::1", i)
		require.Contains(t, s.availablePorts, p)
		seen[p] = true
	}
	require.Greater(t, len(seen), 1, "50 distinct probe indices should spread across more than one port")
}

// fakeTransport is an in-memory probeTransport for exercising Sender.Run
// without opening real sockets.
type fakeTransport struct {
	mu      sync.Mutex
	sent    int
	failOn  func(call int) bool
	calls   int
}

func (f *fakeTransport) sendProbe(dst [16]byte, srcPort, dstPort uint16, tclass uint8, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != nil && f.failOn(f.calls) {
		return os.ErrInvalid
	}
	f.sent++
	return nil
}

func (f *fakeTransport) close() error { return nil }

func TestSenderRunSendsExpectedCountAndUpdatesPlan(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSender(0, slog.Default(), 0xabc, 0, 31338, []uint16{25000, 25001}, 1000, ft)

	plan := &TestPlan{Target: Target{IP: net.ParseIP("::1")}, NumPackets: 10}
	jobs := make(chan sendJob, 1)
	jobs <- sendJob{plan: plan}
	close(jobs)

	require.NoError(t, s.Run(context.Background(), jobs))
	require.Equal(t, 10, plan.PacketsSent)
	stats := s.Stats()
	require.Equal(t, int64(10), stats.Sent)
	require.Zero(t, stats.SendErr)
}

func TestSenderRunCountsSendErrorsWithoutStopping(t *testing.T) {
	ft := &fakeTransport{failOn: func(call int) bool { return call%3 == 0 }}
	s := NewSender(0, slog.Default(), 1, 0, 31338, []uint16{25000}, 1000, ft)

	plan := &TestPlan{Target: Target{IP: net.ParseIP("::1")}, NumPackets: 9}
	jobs := make(chan sendJob, 1)
	jobs <- sendJob{plan: plan}
	close(jobs)

	require.NoError(t, s.Run(context.Background(), jobs))
	stats := s.Stats()
	require.Equal(t, int64(9), stats.Attempted)
	require.Equal(t, int64(3), stats.SendErr)
	require.Equal(t, int64(6), stats.Sent)
	require.Equal(t, 6, plan.PacketsSent, "PacketsSent only counts successful sends")
}

func TestSenderRunSkipsNonIPv6Targets(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSender(0, slog.Default(), 1, 0, 31338, []uint16{25000}, 1000, ft)

	plan := &TestPlan{Target: Target{IP: net.ParseIP("10.0.0.1")}, NumPackets: 5}
	jobs := make(chan sendJob, 1)
	jobs <- sendJob{plan: plan}
	close(jobs)

	require.NoError(t, s.Run(context.Background(), jobs))
	require.Zero(t, ft.sent)
	require.Zero(t, plan.PacketsSent)
}

func TestSenderRunStopsOnContextCancel(t *testing.T) {
	ft := &fakeTransport{}
	s := NewSender(0, slog.Default(), 1, 0, 31338, []uint16{25000}, 1, ft) // slow rate so the limiter blocks

	plan := &TestPlan{Target: Target{IP: net.ParseIP("::1")}, NumPackets: 1000}
	jobs := make(chan sendJob, 1)
	jobs <- sendJob{plan: plan}
	close(jobs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx, jobs))
	require.Less(t, plan.PacketsSent, 1000)
}
