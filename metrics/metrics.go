// Package metrics exposes Prometheus counters for the reconciliation engine.
//
//   - flipledger_updates_total{kind}            updates handled (snapshot|confirm|chat)
//   - flipledger_chat_events_total{kind,result} classified chat lines and their outcome
//   - flipledger_vanished_orders_total          buy orders that disappeared between snapshots
//   - flipledger_cache_lookups_total{cache,result}
//   - flipledger_lots_total                     cost lots recorded
//   - flipledger_flips_total                    flips recorded
//   - flipledger_profit_coins_total             realized profit in coins
//   - flipledger_best_effort_failures_total{op}
//   - flipledger_ingest_total{result}           dispatcher outcomes (ok|retry|dropped)
//   - flipledger_update_duration_seconds        update handling latency
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/recomma/flipledger/bazaar"
)

const namespace = "flipledger"

type Recorder struct {
	updates      *prometheus.CounterVec
	chatEvents   *prometheus.CounterVec
	vanished     prometheus.Counter
	cacheLookups *prometheus.CounterVec
	lots         prometheus.Counter
	flips        prometheus.Counter
	profit       prometheus.Counter
	bestEffort   *prometheus.CounterVec
	ingest       *prometheus.CounterVec
	duration     prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Updates handled by kind.",
		}, []string{"kind"}),
		chatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_events_total",
			Help:      "Classified chat lines by kind and result.",
		}, []string{"kind", "result"}),
		vanished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vanished_orders_total",
			Help:      "Buy orders that disappeared between snapshots.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Short lived cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		lots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lots_total",
			Help:      "Cost lots recorded.",
		}),
		flips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flips_total",
			Help:      "Flips recorded.",
		}),
		profit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profit_coins_total",
			Help:      "Realized profit of positive flips in coins.",
		}),
		bestEffort: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Failed auxiliary calls by operation.",
		}, []string{"op"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Dispatcher outcomes.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Time spent handling one update.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.updates, r.chatEvents, r.vanished, r.cacheLookups,
			r.lots, r.flips, r.profit, r.bestEffort, r.ingest, r.duration,
		)
	}
	return r
}

func (r *Recorder) Update(kind string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.updates.WithLabelValues(kind).Inc()
	r.duration.Observe(elapsed.Seconds())
}

func (r *Recorder) ChatEvent(kind, result string) {
	if r == nil {
		return
	}
	r.chatEvents.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) Vanished(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.vanished.Add(float64(n))
}

func (r *Recorder) CacheLookup(cache string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (r *Recorder) Lot() {
	if r == nil {
		return
	}
	r.lots.Inc()
}

// Flip counts a flip; only positive profit feeds the profit counter since
// counters cannot go down.
func (r *Recorder) Flip(profit bazaar.Tenths) {
	if r == nil {
		return
	}
	r.flips.Inc()
	if profit > 0 {
		r.profit.Add(profit.Coins())
	}
}

func (r *Recorder) BestEffortFailure(op string) {
	if r == nil {
		return
	}
	r.bestEffort.WithLabelValues(op).Inc()
}

func (r *Recorder) Ingest(result string) {
	if r == nil {
		return
	}
	r.ingest.WithLabelValues(result).Inc()
}
