package pinger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Orchestrator runs one sweep end to end: it's the UdpPinger of spec.md
// §4.5, holding nothing but configuration and the local identity used to
// label results. Every other piece of mutable state lives inside Run and
// is discarded when it returns, per spec.md §3's lifecycle note.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	source  Target // this host's identity, used as Metadata.SrcTarget
	metrics *Collector
}

// NewOrchestrator validates cfg and returns a ready-to-run Orchestrator.
// metrics may be nil, in which case sweeps run without publishing counters.
func NewOrchestrator(cfg Config, log *slog.Logger, source Target, metrics *Collector) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pinger config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log, source: source, metrics: metrics}, nil
}

// Run executes the nine-step sweep algorithm from spec.md §4.5 and returns
// the merged results. It never returns an error for anomalies that the
// spec says must surface as loss instead (§7); the error return is reserved
// for fatal setup failures: no sweep signature, no source port that bound,
// or no sender thread that could construct its socket.
func (o *Orchestrator) Run(ctx context.Context, plans []*TestPlan, qos uint8) (UdpTestResults, error) {
	start := time.Now()

	// 1. Generate a random 32-bit signature for this sweep.
	signature, err := randomSignature()
	if err != nil {
		return UdpTestResults{}, fmt.Errorf("generate sweep signature: %w", err)
	}

	// 3. Build ip->Target lookup from plans.
	lookup := buildIPTargetLookup(plans)

	// 5. Construct R notification queues and instantiate R receivers.
	queues := make([]*notificationQueue, o.cfg.NumReceiverThreads)
	for i := range queues {
		queues[i] = newNotificationQueue()
	}
	receivers := make([]*Receiver, o.cfg.NumReceiverThreads)
	for i := range receivers {
		receivers[i] = NewReceiver(i, o.cfg.NumReceiverThreads, o.log, signature, lookup, queues)
	}

	// 2. Attempt to bind sockets on [B, B+P); record the missing set.
	allPorts := make([]uint16, o.cfg.SrcPortCount)
	for i := range allPorts {
		allPorts[i] = uint16(o.cfg.BaseSrcPort + i)
	}
	var missing []uint16
	for _, r := range receivers {
		missing = append(missing, r.Bind(allPorts, true, o.cfg.SocketBufferSize)...)
	}
	available := subtractPorts(allPorts, missing)
	if len(available) == 0 {
		return UdpTestResults{}, fmt.Errorf("no source ports available: all %d ports in [%d,%d) failed to bind",
			len(allPorts), o.cfg.BaseSrcPort, o.cfg.BaseSrcPort+o.cfg.SrcPortCount)
	}
	if len(missing) > 0 {
		o.log.Warn("some source ports failed to bind", "missing", len(missing), "available", len(available))
	}
	if o.metrics != nil {
		o.metrics.MissingPorts.Set(float64(len(missing)))
	}

	// 4. Construct the shared input queue for senders, enqueue all plans.
	jobs := make(chan sendJob, len(plans))
	for _, p := range plans {
		jobs <- sendJob{plan: p}
	}
	close(jobs)

	// 6. Spawn receiver threads. Bind already ran synchronously above, so
	// "sockets_are_bound" is true for every receiver before Run is called;
	// this preserves the spec's happens-before without a separate signal.
	stop := make(chan struct{})
	var receiverWG sync.WaitGroup
	for _, r := range receivers {
		receiverWG.Add(1)
		go func(r *Receiver) {
			defer receiverWG.Done()
			r.Run(stop)
		}(r)
	}

	// 7. Spawn S sender threads, each drawing from the input queue.
	srcIP, _ := asIPv6Array(o.source.IP)
	var senderWG sync.WaitGroup
	var activeSenders []*Sender
	for k := 0; k < o.cfg.NumSenderThreads; k++ {
		transport, err := newTransport(o.log, srcIP, o.cfg.SocketBufferSize, available)
		if err != nil {
			// Per-thread fatal; sweep continues with remaining threads (spec.md §7).
			o.log.Error("sender failed to construct socket, skipping thread", "sender", k, "err", err)
			continue
		}
		sender := NewSender(k, o.log, signature, qos, uint16(o.cfg.TargetPort), available, o.cfg.PingerRate, transport)
		activeSenders = append(activeSenders, sender)
		senderWG.Add(1)
		go func(s *Sender) {
			defer senderWG.Done()
			_ = s.Run(ctx, jobs)
		}(sender)
	}
	if len(activeSenders) == 0 {
		close(stop)
		receiverWG.Wait()
		return UdpTestResults{}, fmt.Errorf("no sender thread could construct its socket")
	}

	// 8. Join senders; sleep pinger_cooldown_time; set stop flag.
	senderWG.Wait()
	select {
	case <-time.After(o.cfg.PingerCooldownTime):
	case <-ctx.Done():
	}
	close(stop)

	// 9. Join receivers; merge their TestResult lists.
	receiverWG.Wait()
	// No reactor is running any more, so nothing can push: record what a
	// peer forwarded after an owner's own final drain in Receiver.Run.
	for _, r := range receivers {
		r.drainQueue()
	}

	var out UdpTestResults
	var unknown, overflow int64
	var sent, sendErr int64
	for _, r := range receivers {
		hosts, networks := r.Results(o.source, plans)
		out.HostResults = append(out.HostResults, hosts...)
		out.NetworkResults = append(out.NetworkResults, networks...)
		unknown += r.UnknownSourceCount()
		overflow += r.QueueOverflowCount()
		if err := r.BindErr(); err != nil {
			o.log.Warn("receiver reported bind failure", "err", err)
			out.NetworkResults = append(out.NetworkResults, errorNetworkResult(o.source, r.index, err))
		}
	}
	for _, s := range activeSenders {
		st := s.Stats()
		sent += st.Sent
		sendErr += st.SendErr
	}
	o.log.Debug("sweep complete", "signature", signature, "sent", sent, "send_errors", sendErr)
	if unknown > 0 {
		o.log.Debug("dropped replies from unknown source IPs", "count", unknown)
	}
	if overflow > 0 {
		o.log.Warn("dropped samples on notification queue overflow", "count", overflow)
	}
	if o.metrics != nil {
		o.metrics.UnknownSource.Add(float64(unknown))
		o.metrics.QueueOverflow.Add(float64(overflow))
		o.metrics.SendErrors.Add(float64(sendErr))
		o.metrics.RecordSweep(out, time.Since(start).Seconds())
	}
	return out, nil
}

func randomSignature() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// errorNetworkResult builds the error-labeled network row spec.md §4.5's
// Failure note requires when a receiver fails to bind any of its assigned
// ports: the networks it would have owned have no results at all, so that
// absence is surfaced as a row instead of only a log line.
func errorNetworkResult(src Target, receiverIndex int, err error) TestResult {
	return TestResult{
		Metadata: Metadata{
			SrcTarget: src,
			DstTarget: Target{Network: fmt.Sprintf("error: receiver %d: %v", receiverIndex, err)},
		},
	}
}

func subtractPorts(all, missing []uint16) []uint16 {
	if len(missing) == 0 {
		return all
	}
	miss := make(map[uint16]struct{}, len(missing))
	for _, p := range missing {
		miss[p] = struct{}{}
	}
	out := make([]uint16, 0, len(all))
	for _, p := range all {
		if _, bad := miss[p]; !bad {
			out = append(out, p)
		}
	}
	return out
}
