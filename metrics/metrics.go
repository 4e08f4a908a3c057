// Package metrics exports voucher activity as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voucherkit/core"
)

// Sizer reports a current size, e.g. the ledger length or the hub's drop count.
type Sizer func() float64

// Collector counts domain events. Feed it from the event bus with OnEvent.
type Collector struct {
	registry *prometheus.Registry

	redeemed       *prometheus.CounterVec
	denied         *prometheus.CounterVec
	rewardsGranted *prometheus.CounterVec
	rewardsFailed  *prometheus.CounterVec
	selections     prometheus.Counter
	persisted      prometheus.Counter
	persistFailed  prometheus.Counter
	given          prometheus.Counter
}

// New registers the collectors on a fresh registry under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "voucherkit"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		redeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redemptions_total", Help: "Completed voucher redemptions.",
		}, []string{"mode"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redeem_denied_total", Help: "Rejected redemption attempts.",
		}, []string{"reason"}),
		rewardsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rewards_granted_total", Help: "Rewards executed successfully.",
		}, []string{"kind"}),
		rewardsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rewards_failed_total", Help: "Rewards whose execution failed.",
		}, []string{"kind"}),
		selections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "selections_requested_total", Help: "Reward selections presented to users.",
		}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_persisted_total", Help: "Redemption records written to storage.",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_persist_failed_total", Help: "Redemption records storage rejected.",
		}),
		given: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vouchers_given_total", Help: "Voucher stacks handed out.",
		}),
	}
	c.registry.MustRegister(c.redeemed, c.denied, c.rewardsGranted, c.rewardsFailed,
		c.selections, c.persisted, c.persistFailed, c.given,
		prometheus.NewGoCollector())
	return c
}

// Gauge exposes a sampled value under namespace_name.
func (c *Collector) Gauge(namespace, name, help string, fn Sizer) {
	if namespace == "" {
		namespace = "voucherkit"
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// OnEvent updates the counters matching e.
func (c *Collector) OnEvent(_ context.Context, e core.Event) {
	switch e.Type {
	case core.EventVoucherRedeemed:
		c.redeemed.WithLabelValues(string(e.Mode)).Inc()
	case core.EventRedeemDenied:
		c.denied.WithLabelValues(e.Reason).Inc()
	case core.EventRewardGranted:
		c.rewardsGranted.WithLabelValues(string(e.Reward)).Inc()
	case core.EventRewardFailed:
		c.rewardsFailed.WithLabelValues(string(e.Reward)).Inc()
	case core.EventSelectionRequested:
		c.selections.Inc()
	case core.EventRecordPersisted:
		c.persisted.Inc()
	case core.EventPersistFailed:
		c.persistFailed.Inc()
	case core.EventVoucherGiven:
		c.given.Inc()
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
