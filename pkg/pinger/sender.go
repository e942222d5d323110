package pinger

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// probeTransport is the OS-level capability a sender needs: emit one raw
// UDP datagram with a hand-built header from an arbitrary source port.
// sender_linux.go backs this with a raw AF_INET6/SOCK_RAW socket, per
// spec.md §4.1; on non-Linux builds sender_fallback.go backs it with P bound
// SOCK_DGRAM sockets, per spec.md §9's documented fallback.
type probeTransport interface {
	// sendProbe transmits a probe to dst:dstPort from the given source
	// port, with the given traffic class and payload.
	sendProbe(dst [16]byte, srcPort, dstPort uint16, tclass uint8, payload []byte) error
	close() error
}

// portHasher maps (target IP, sender index, probe index) onto a slot in the
// available port set. The source hashes in the original implementation were
// never specified beyond "deterministic given the same inputs" (spec.md §9
// open question); this uses FNV-1a over the tuple, which gives good flow
// spread without claiming cryptographic or load-balancer-specific
// properties. It is deterministic: the same (ip, k, probeIndex) always
// picks the same slot, which makes sends reproducible in tests.
func portHasher(ip string, senderIndex, probeIndex int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", ip, senderIndex, probeIndex)
	return h.Sum64()
}

// sendJob is one queued unit of sender work: send plan.NumPackets probes to
// plan.Target. Senders drain these from a shared channel until it's closed
// and empty, matching the "shared input queue, consumers pop to exhaustion"
// contract in spec.md §4.5/§5.
type sendJob struct {
	plan *TestPlan
}

// SenderStats accumulates per-sender counters surfaced to the orchestrator
// for loss accounting (spec.md §7: per-packet send errors are counted, not
// fatal).
type SenderStats struct {
	Attempted int64
	Sent      int64
	SendErr   int64
}

// Sender is one of the S sender threads. It owns no state another sender
// touches: its slice of availablePorts, its rate limiter, and its socket
// are all private to this goroutine.
type Sender struct {
	index          int
	log            *slog.Logger
	signature      uint32
	qos            uint8
	targetPort     uint16
	availablePorts []uint16 // [B, B+P) minus the missing set
	limiter        *rate.Limiter
	clock          monotonicClock
	transport      probeTransport

	stats SenderStats
}

// NewSender constructs a sender bound to the given transport. ratePerSec is
// the per-thread token-bucket rate from spec.md §4.1; burst of 1 makes the
// limiter drain exactly one token per probe and block for 1/rate seconds
// when empty, matching the spec's token-budget description.
func NewSender(index int, log *slog.Logger, signature uint32, qos uint8, targetPort uint16, availablePorts []uint16, ratePerSec float64, transport probeTransport) *Sender {
	return &Sender{
		index:          index,
		log:            log,
		signature:      signature,
		qos:            qos,
		targetPort:     targetPort,
		availablePorts: availablePorts,
		limiter:        rate.NewLimiter(rate.Limit(ratePerSec), 1),
		clock:          newMonotonicClock(),
		transport:      transport,
	}
}

// Run drains jobs until the channel is closed, sending plan.NumPackets
// probes per job and recording plan.PacketsSent as it goes. It never
// returns an error for per-packet failures; those are counted in Stats.
func (s *Sender) Run(ctx context.Context, jobs <-chan sendJob) error {
	defer s.transport.close()

	var buf [udpHeaderLen + ProbeBodyLen]byte

	for job := range jobs {
		plan := job.plan
		dst, ok := asIPv6Array(plan.Target.IP)
		if !ok {
			s.log.Warn("skipping non-ipv6 target", "ip", plan.Target.IP.String())
			continue
		}
		ipKey := plan.Target.IP.String()

		for i := 0; i < plan.NumPackets; i++ {
			if err := s.limiter.Wait(ctx); err != nil {
				// context cancelled; stop sending but leave the job loop,
				// the sweep is being torn down.
				return nil
			}

			atomic.AddInt64(&s.stats.Attempted, 1)

			srcPort := s.choosePort(ipKey, i)
			MarshalProbeBody(buf[udpHeaderLen:], s.signature, s.clock.NowUsec32(), s.qos)
			buildUDPHeader(buf[:udpHeaderLen], srcPort, s.targetPort, ProbeBodyLen)

			if err := s.transport.sendProbe(dst, srcPort, s.targetPort, s.qos, buf[:]); err != nil {
				atomic.AddInt64(&s.stats.SendErr, 1)
				s.log.Debug("sendto failed", "target", ipKey, "err", err)
				continue
			}
			atomic.AddInt64(&s.stats.Sent, 1)
			plan.PacketsSent++
		}
	}
	return nil
}

// choosePort hashes (ip, sender index, probe index) into the available port
// set, per spec.md §4.1.
func (s *Sender) choosePort(ip string, probeIndex int) uint16 {
	if len(s.availablePorts) == 0 {
		return s.availablePorts[0] // unreachable: orchestrator never starts senders with zero ports
	}
	idx := portHasher(ip, s.index, probeIndex) % uint64(len(s.availablePorts))
	return s.availablePorts[idx]
}

// Stats returns a snapshot of this sender's counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Attempted: atomic.LoadInt64(&s.stats.Attempted),
		Sent:      atomic.LoadInt64(&s.stats.Sent),
		SendErr:   atomic.LoadInt64(&s.stats.SendErr),
	}
}

// asIPv6Array converts a net.IP into the fixed-size form socket calls need,
// rejecting anything that isn't a 16-byte IPv6 address (IPv4 is a Non-goal,
// per spec.md §1).
func asIPv6Array(ip []byte) (out [16]byte, ok bool) {
	if len(ip) == 16 {
		copy(out[:], ip)
		return out, true
	}
	return out, false
}
