package pinger

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
)

// ipTargetLookup is the immutable map<ipv6, Target> built at sweep start,
// per spec.md §3. Keys are net.IP.String() of the 16-byte address.
type ipTargetLookup map[string]Target

func buildIPTargetLookup(plans []*TestPlan) ipTargetLookup {
	lookup := make(ipTargetLookup, len(plans))
	for _, p := range plans {
		lookup[p.Target.IP.String()] = p.Target
	}
	return lookup
}

// receiveProbe is the decoded, validated reply: an RTT sample tied to the
// address it arrived from, per spec.md §4.3.
type receiveProbe struct {
	rttUs    uint32
	remoteIP [16]byte
}

// Receiver is one of the R receiver threads. It owns a disjoint subset of
// the P source ports, driven by a single reactor, and two private histogram
// maps that no other goroutine touches — samples for networks it doesn't
// own are routed out via notificationQueue, and samples for networks it
// does own arrive either from its own sockets or from peers' queues, always
// on the one goroutine that runs its reactor (spec.md §5). No mutex guards
// the maps below: the reactor's drainQueue hook folds peer hand-offs into
// the same thread as locally-read samples instead of running them on a
// second, concurrent one.
type Receiver struct {
	index int
	count int // R

	log       *slog.Logger
	signature uint32
	lookup    ipTargetLookup
	clock     monotonicClock

	reactor receiverReactor
	queues  []*notificationQueue // shared across all R receivers; queues[index] is this receiver's inbox

	hostHistograms    map[string]*Histogram
	networkHistograms map[string]*Histogram
	ownerCache        map[string]int // memoized network -> owning receiver index
	unknownSource     int64
	queueOverflow     int64

	bindErr error
}

// NewReceiver constructs an unbound receiver. queues must contain exactly
// count entries, shared by every receiver in the sweep, per spec.md §4.5
// step 5.
func NewReceiver(index, count int, log *slog.Logger, signature uint32, lookup ipTargetLookup, queues []*notificationQueue) *Receiver {
	return &Receiver{
		index:             index,
		count:             count,
		log:               log,
		signature:         signature,
		lookup:            lookup,
		clock:             newMonotonicClock(),
		queues:            queues,
		hostHistograms:    make(map[string]*Histogram),
		networkHistograms: make(map[string]*Histogram),
		ownerCache:        make(map[string]int),
	}
}

// Bind constructs this receiver's reactor and registers one socket per port
// it owns (port i is owned by receiver i mod R, per spec.md §4.3), returning
// the subset that failed to bind. A receiver that binds none of its ports
// still returns successfully here; the orchestrator decides what that means
// for the results.
func (r *Receiver) Bind(allPorts []uint16, reuseAddr bool, sockBufSize int) (missing []uint16) {
	reactor, err := newReactor()
	if err != nil {
		r.bindErr = fmt.Errorf("receiver %d: construct reactor: %w", r.index, err)
		return subtractOwned(allPorts, r.index, r.count)
	}
	r.reactor = reactor

	var bound int
	for _, p := range allPorts {
		if int(p)%r.count != r.index {
			continue
		}
		if err := reactor.addSocket(p, reuseAddr, sockBufSize); err != nil {
			r.log.Debug("receiver: bind failed", "receiver", r.index, "port", p, "err", err)
			missing = append(missing, p)
			continue
		}
		bound++
	}
	if bound == 0 && len(allPorts) > 0 {
		r.bindErr = fmt.Errorf("receiver %d: failed to bind any of its %d assigned ports", r.index, len(missing))
	}
	return missing
}

// subtractOwned lists the ports index would have owned, used when the
// reactor itself can't be constructed and no per-port bind is ever tried.
func subtractOwned(allPorts []uint16, index, count int) (owned []uint16) {
	for _, p := range allPorts {
		if int(p)%count == index {
			owned = append(owned, p)
		}
	}
	return owned
}

// Run drives this receiver's reactor until stop is closed, then performs a
// final queue drain and returns. The reactor is the only goroutine that
// ever touches this receiver's histograms (spec.md §5): locally-read
// samples and peer-forwarded ones both land through it. It never returns an
// error from packet handling — all anomalies are counted, per spec.md §7.
func (r *Receiver) Run(stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.reactor.run(r)
	}()

	<-stop
	_ = r.reactor.close()
	<-done

	// Final drain: anything queued by a peer between the stop signal and
	// the reactor observing the close must still be recorded.
	for _, s := range r.queues[r.index].drain() {
		r.record(s.ip, s.target, s.rttUs)
	}
}

func (r *Receiver) drainQueueUntil(stop <-chan struct{}) {
	q := r.queues[r.index]
	for {
		select {
		case s := <-q.ch:
			r.record(s.ip, s.target, s.rttUs)
		case <-stop:
			return
		}
	}
}

// drainQueue implements readCallback: it is called once per reactor wake,
// on the reactor's own goroutine, recording every peer-forwarded sample
// already sitting in this receiver's inbox without blocking.
func (r *Receiver) drainQueue() {
	for _, s := range r.queues[r.index].drain() {
		r.record(s.ip, s.target, s.rttUs)
	}
}

// onMessageAvailable implements readCallback: it is invoked on the socket's
// own reactor goroutine for every successfully-read datagram.
func (r *Receiver) onMessageAvailable(n int, fromIP [16]byte, buf []byte) {
	if n < ProbeBodyLen {
		return // silent drop, spec.md §7
	}
	body, err := UnmarshalProbeBody(buf)
	if err != nil {
		return
	}
	if body.Signature != r.signature {
		return // signature mismatch never contributes to num_recv
	}
	rtt := rttFromUsec32(body.PingerSentTime, r.clock.NowUsec32())
	r.route(fromIP, rtt)
}

func (r *Receiver) onReadError(err error) {
	r.log.Debug("receiver: recvmsg error", "receiver", r.index, "err", err)
}

func (r *Receiver) onReadClosed() {}

// route implements the ownership lookup from spec.md §4.3: record locally
// if this receiver owns the destination network, otherwise push to the
// owner's notification queue, dropping (and counting) on overflow rather
// than blocking the read path.
func (r *Receiver) route(ip [16]byte, rttUs uint32) {
	ipKey := net.IP(ip[:]).String()
	target, ok := r.lookup[ipKey]
	if !ok {
		r.unknownSource++
		return
	}

	owner := r.ownerFor(target.Network)
	if owner == r.index {
		r.record(ipKey, target, rttUs)
		return
	}
	if !r.queues[owner].push(sample{ip: ipKey, target: target, rttUs: rttUs}) {
		r.queueOverflow++
	}
}

func (r *Receiver) ownerFor(network string) int {
	if owner, ok := r.ownerCache[network]; ok {
		return owner
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(network))
	owner := int(h.Sum32()) % r.count
	if owner < 0 {
		owner += r.count
	}
	r.ownerCache[network] = owner
	return owner
}

func (r *Receiver) record(ipKey string, target Target, rttUs uint32) {
	hh, ok := r.hostHistograms[ipKey]
	if !ok {
		hh = NewHistogram(defaultHistogramBucketUs, defaultHistogramMaxUs)
		r.hostHistograms[ipKey] = hh
	}
	hh.Add(rttUs)

	nh, ok := r.networkHistograms[target.Network]
	if !ok {
		nh = NewHistogram(defaultHistogramBucketUs, defaultHistogramMaxUs)
		r.networkHistograms[target.Network] = nh
	}
	nh.Add(rttUs)
}

const (
	defaultHistogramBucketUs = uint32(1000)    // 1ms buckets
	defaultHistogramMaxUs    = uint32(1000000) // 1s ceiling, per spec.md §3
)

// BindErr reports a non-nil error only when this receiver failed to bind
// any of its assigned ports, per spec.md §4.5's failure note.
func (r *Receiver) BindErr() error { return r.bindErr }

// UnknownSourceCount returns the number of replies dropped for arriving
// from an address absent from the IP→Target lookup.
func (r *Receiver) UnknownSourceCount() int64 {
	return r.unknownSource
}

// QueueOverflowCount returns the number of samples this receiver dropped
// while pushing to a peer's notification queue because it was full.
func (r *Receiver) QueueOverflowCount() int64 {
	return r.queueOverflow
}

// Results implements summarize_results(qos) from spec.md §4.3: for every
// host and network whose network this receiver owns, build a TestResult
// from num_xmit (accumulated from plans) and the matching histogram.
// plans is the full plan list for the sweep, not just this receiver's share
// — ownership is by network hash, not by plan partition.
func (r *Receiver) Results(srcTarget Target, plans []*TestPlan) (hosts, networks []TestResult) {
	networkXmit := make(map[string]int)
	for _, p := range plans {
		if r.ownerFor(p.Target.Network) != r.index {
			continue
		}
		networkXmit[p.Target.Network] += p.PacketsSent
		hh := r.hostHistograms[p.Target.IP.String()]
		hosts = append(hosts, buildTestResult(srcTarget, p.Target, p.PacketsSent, hh))
	}

	for network, xmit := range networkXmit {
		nh := r.networkHistograms[network]
		networks = append(networks, buildTestResult(srcTarget, Target{Network: network}, xmit, nh))
	}
	return hosts, networks
}

// buildTestResult applies the summarization rules in spec.md §4.3 and the
// invariants in §8: num_recv is the histogram count and is not capped at
// num_xmit, loss_ratio is clamped to [0,1] (so surplus replies read as zero
// loss), and RTT fields stay at their zero value when num_recv is 0.
func buildTestResult(src, dst Target, numXmit int, h *Histogram) TestResult {
	m := Metrics{NumXmit: numXmit}
	if h != nil {
		m.NumRecv = int(h.Count())
	}
	if numXmit > 0 {
		loss := float64(numXmit-m.NumRecv) / float64(numXmit)
		switch {
		case loss < 0:
			loss = 0
		case loss > 1:
			loss = 1
		}
		m.LossRatio = loss
	}
	if m.NumRecv > 0 {
		m.RTTAvg = h.MeanDuration()
		m.RTTP75 = h.PercentileDuration(0.75)
		m.RTTP90 = h.PercentileDuration(0.90)
		m.RTTMax = h.MaxDuration()
	}
	return TestResult{Metadata: Metadata{SrcTarget: src, DstTarget: dst}, Metrics: m}
}
