package pinger

import "time"

// aggrStat mirrors the original driver's AggrUdpPingStat: it accumulates
// sums across every sweep collected during one aggregation window so the
// window can publish an average rather than the last sweep's instantaneous
// numbers, per SUPPLEMENTED FEATURES.
type aggrStat struct {
	target       Target
	count        int
	noFullLoss   int
	rttAvgSum    time.Duration
	rttP75Sum    time.Duration
	rttP90Sum    time.Duration
	rttMax       time.Duration
	lossRatioSum float64
}

// Average returns the per-stat published row: mean loss ratio over every
// collected sweep, and mean RTT fields over only the sweeps that received
// at least one reply (mirroring the original's noFullLossCount denominator).
func (a *aggrStat) Average() TestResult {
	m := Metrics{}
	if a.count > 0 {
		m.LossRatio = a.lossRatioSum / float64(a.count)
	}
	if a.noFullLoss > 0 {
		m.RTTAvg = a.rttAvgSum / time.Duration(a.noFullLoss)
		m.RTTP75 = a.rttP75Sum / time.Duration(a.noFullLoss)
		m.RTTP90 = a.rttP90Sum / time.Duration(a.noFullLoss)
		m.RTTMax = a.rttMax
	}
	return TestResult{Metadata: Metadata{DstTarget: a.target}, Metrics: m}
}

// Aggregator collects TestResults across many sweeps between Flush calls,
// implementing the 30-second averaging window from the original
// UdpPingClient.cpp's aggrResultsTimer, now driven by a caller-chosen
// window instead of a hardcoded constant.
type Aggregator struct {
	hosts    map[string]*aggrStat
	networks map[string]*aggrStat
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		hosts:    make(map[string]*aggrStat),
		networks: make(map[string]*aggrStat),
	}
}

// Add folds one sweep's results into the current window.
func (a *Aggregator) Add(results UdpTestResults) {
	for _, r := range results.HostResults {
		addInto(a.hosts, r.Metadata.DstTarget.Name, r)
	}
	for _, r := range results.NetworkResults {
		addInto(a.networks, r.Metadata.DstTarget.Network, r)
	}
}

func addInto(m map[string]*aggrStat, key string, r TestResult) {
	stat, ok := m[key]
	if !ok {
		stat = &aggrStat{target: r.Metadata.DstTarget}
		m[key] = stat
	}
	stat.count++
	stat.lossRatioSum += r.Metrics.LossRatio
	if r.Metrics.NumRecv > 0 {
		stat.noFullLoss++
		stat.rttAvgSum += r.Metrics.RTTAvg
		stat.rttP75Sum += r.Metrics.RTTP75
		stat.rttP90Sum += r.Metrics.RTTP90
		if r.Metrics.RTTMax > stat.rttMax {
			stat.rttMax = r.Metrics.RTTMax
		}
	}
}

// Flush returns the averaged rows for the current window and resets it.
func (a *Aggregator) Flush() (hosts, networks []TestResult) {
	for _, s := range a.hosts {
		hosts = append(hosts, s.Average())
	}
	for _, s := range a.networks {
		networks = append(networks, s.Average())
	}
	a.hosts = make(map[string]*aggrStat)
	a.networks = make(map[string]*aggrStat)
	return hosts, networks
}
