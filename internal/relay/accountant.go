package relay

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/robfig/cron/v3"
)

const (
	// publishInterval is how often the running total is copied into Stats.
	publishInterval = 60 * time.Second

	// sampleQueueDepth bounds the accountant's intake channel. Producers
	// (relay copy loops) send best-effort: a full queue means a sample is
	// dropped rather than blocking a data-plane copy.
	sampleQueueDepth = 1 << 16

	// dailyResetSpec runs at local midnight every day. cron's default
	// parser is 5-field (minute hour day-of-month month day-of-week), no
	// seconds field.
	dailyResetSpec = "0 0 * * *"
)

// Accountant is the single owner of the relay byte-traffic counter. Relay
// copy loops feed it sample counts over a bounded channel; it is the only
// goroutine that ever mutates the counter, so no atomics are needed on the
// counter itself. Every publishInterval it copies the running total into
// Stats, and it resets to zero once a day at local midnight.
type Accountant struct {
	sample  chan uint64
	reset   chan struct{}
	counter uint64
	stats   *Stats
	metric  *metrics.Counter
}

// NewAccountant creates an Accountant publishing into stats and registering
// its counter under set.
func NewAccountant(stats *Stats, set *metrics.Set) *Accountant {
	return &Accountant{
		sample: make(chan uint64, sampleQueueDepth),
		reset:  make(chan struct{}, 1),
		stats:  stats,
		metric: set.NewCounter(`relay_bytes_transferred_total`),
	}
}

// Sample records n more bytes transferred. Safe for concurrent callers; a
// saturated intake queue silently drops the sample, since the counter is an
// approximate indicator, not an audit log.
func (a *Accountant) Sample(n uint64) {
	if n == 0 {
		return
	}
	select {
	case a.sample <- n:
	default:
	}
}

// Run drains samples, publishes the running total on a tick, and resets it
// daily at local midnight, until ctx is canceled.
func (a *Accountant) Run(ctx context.Context) {
	sched := cron.New()
	if _, err := sched.AddFunc(dailyResetSpec, func() {
		// Runs on cron's own goroutine; hand off to Run's loop instead of
		// touching a.counter directly so it stays single-writer.
		select {
		case a.reset <- struct{}{}:
		default:
		}
	}); err != nil {
		panic("relay: invalid daily reset schedule: " + err.Error())
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.sample:
			a.counter += n
			a.metric.Add(int(n))
		case <-a.reset:
			a.counter = 0
			a.stats.publishBytes(0)
		case <-ticker.C:
			a.stats.publishBytes(a.counter)
		}
	}
}
