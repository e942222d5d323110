// Command udppinger-probe is the wall-clock-aligned pacing driver around
// the sweep engine in pkg/pinger: it wakes on a periodic tick, asks a
// PlanSource for the current target list, runs one sweep, and records the
// per-sweep results in the Prometheus collector. Every 30 seconds it also
// flushes the averaged window and logs how many host and network rows it
// held; the averaged rows themselves are not exported.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terragraph/udppinger/pkg/pinger"
)

const aggregationWindow = 30 * time.Second

var (
	targetPort       = flag.Int("target_port", 31338, "Destination UDP port for every probe.")
	numSenderThreads = flag.Int("num_sender_threads", 1, "Number of sender threads (S).")
	numRecvThreads   = flag.Int("num_receiver_threads", 1, "Number of receiver threads (R).")
	basePort         = flag.Int("base_port", 25000, "Low end of the source port range [B, B+P).")
	portCount        = flag.Int("port_count", 64, "Width of the source port range (P).")
	pingerRate       = flag.Float64("pinger_rate_pps", 5, "Target send rate per sender thread, probes/sec.")
	cooldownTimeS    = flag.Int("cooldown_time_s", 1, "Seconds receivers stay up after senders finish.")
	sockBufferSize   = flag.Int("socket_buffer_size", 425984, "SO_SNDBUF/SO_RCVBUF applied to every socket.")
	srcIP            = flag.String("src_ip", "", "Source IPv6 address identifying this prober (required).")
	srcIf            = flag.String("src_if", "", "Name of this prober in published results.")
	pingIntervalS    = flag.Int("ping_interval_s", 30, "Seconds between sweeps, wall-clock aligned.")
	qos              = flag.Int("qos", 0, "IPv6 traffic class byte attached to every probe.")
	planFile         = flag.String("plan_file", "", "Path to a JSON target list. If empty, the daemon runs with no targets until one is provided.")
	metricsAddr      = flag.String("metrics_addr", ":9107", "Address to serve /metrics on.")
	verbose          = flag.Bool("verbose", false, "Enable debug logging.")
)

func main() {
	flag.Parse()

	log := newLogger(*verbose)

	if *srcIP == "" {
		fmt.Fprintln(os.Stderr, "error: -src_ip is required")
		os.Exit(2)
	}
	ip := net.ParseIP(*srcIP)
	if ip == nil || ip.To4() != nil {
		fmt.Fprintf(os.Stderr, "error: -src_ip %q is not a valid IPv6 address\n", *srcIP)
		os.Exit(2)
	}

	cfg := pinger.Config{
		TargetPort:         *targetPort,
		NumSenderThreads:   *numSenderThreads,
		NumReceiverThreads: *numRecvThreads,
		SrcPortCount:       *portCount,
		BaseSrcPort:        *basePort,
		PingerRate:         *pingerRate,
		PingerCooldownTime: time.Duration(*cooldownTimeS) * time.Second,
		SocketBufferSize:   *sockBufferSize,
	}
	source := pinger.Target{IP: ip, Name: *srcIf}

	metrics := pinger.NewCollector()
	orch, err := pinger.NewOrchestrator(cfg, log, source, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var plans pinger.PlanSource = pinger.StaticPlanSource{}
	if *planFile != "" {
		plans = pinger.FilePlanSource{Path: *planFile}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(log, *metricsAddr)

	if err := run(ctx, log, orch, plans, metrics, uint8(*qos), time.Duration(*pingIntervalS)*time.Second); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run drives the two wall-clock-aligned loops from SUPPLEMENTED FEATURES:
// one sweep per interval, and a 30-second window that averages the sweeps
// collected since the last flush. Both loops stop when ctx is cancelled.
func run(ctx context.Context, log *slog.Logger, orch *pinger.Orchestrator, plans pinger.PlanSource, metrics *pinger.Collector, qos uint8, interval time.Duration) error {
	agg := pinger.NewAggregator()
	aggTicker := newAlignedTicker(aggregationWindow)
	defer aggTicker.Stop()

	sweepTicker := newAlignedTicker(interval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sweepTicker.C:
			testPlans, err := getTestPlansWithRetry(ctx, log, plans)
			if err != nil {
				log.Error("failed to refresh test plans, skipping sweep", "err", err)
				continue
			}
			if len(testPlans) == 0 {
				log.Debug("no test plans configured, skipping sweep")
				continue
			}
			results, err := orch.Run(ctx, testPlans, qos)
			if err != nil {
				log.Error("sweep failed", "err", err)
				continue
			}
			agg.Add(results)

		case <-aggTicker.C:
			hosts, networks := agg.Flush()
			log.Info("aggregation window flushed", "hosts", len(hosts), "networks", len(networks))
			_ = metrics // per-sweep metrics are already recorded inside orch.Run
		}
	}
}

// getTestPlansWithRetry retries transient PlanSource failures a few times,
// mirroring the telemetry pinger's getCurrentEpoch: the daemon doesn't
// depend on any single refresh succeeding and will just try again next
// tick if every retry fails.
func getTestPlansWithRetry(ctx context.Context, log *slog.Logger, plans pinger.PlanSource) ([]*pinger.TestPlan, error) {
	attempt := 0
	result, err := backoff.Retry(ctx, func() ([]*pinger.TestPlan, error) {
		if attempt > 0 {
			log.Warn("retrying test plan refresh", "attempt", attempt)
		}
		attempt++
		return plans.GetTestPlans(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("refresh test plans: %w", err)
	}
	return result, nil
}

// alignedTicker fires on wall-clock boundaries of period:
// tick_k = ceil(now/period)*period, matching the original UdpPingClient.cpp
// threads' nextRunTime computation instead of drifting from process start.
type alignedTicker struct {
	C    <-chan time.Time
	done chan struct{}
}

func newAlignedTicker(period time.Duration) *alignedTicker {
	c := make(chan time.Time, 1)
	done := make(chan struct{})
	t := &alignedTicker{C: c, done: done}
	go func() {
		for {
			now := time.Now()
			next := now.Truncate(period).Add(period)
			timer := time.NewTimer(time.Until(next))
			select {
			case fired := <-timer.C:
				select {
				case c <- fired:
				default:
				}
			case <-done:
				timer.Stop()
				return
			}
		}
	}()
	return t
}

func (t *alignedTicker) Stop() {
	close(t.done)
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", "err", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
