package gotoc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 同一进程内的多个 TXManager 共享这些指标

var (
	preparesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotoc_prepares_total",
		Help: "prepare messages handled, by result",
	}, []string{"result"})

	secondPhasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotoc_second_phases_total",
		Help: "commit / rollback messages handled, by kind and result",
	}, []string{"kind", "result"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gotoc_prepare_retries_total",
		Help: "prepare re-broadcasts issued by the origin, by reason",
	}, []string{"reason"})

	abandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gotoc_abandoned_transactions_total",
		Help: "one phase transactions rolled back by the origin after a timeout or cancellation",
	})

	validatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gotoc_validated_transactions_total",
		Help: "transactions that went through write skew validation",
	})

	validationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gotoc_validation_seconds",
		Help:    "time spent validating a prepare",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	queueWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gotoc_queue_wait_seconds",
		Help:    "time a ready task waited for a worker",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	parkedTasksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gotoc_parked_tasks",
		Help: "tasks parked on unreleased latches",
	})

	activeTxGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gotoc_active_transactions",
		Help: "entries in the transaction table",
	})
)

// RegisterMetrics reg 为 nil 时注册到 prometheus.DefaultRegisterer
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		preparesTotal,
		secondPhasesTotal,
		retriesTotal,
		abandonedTotal,
		validatedTotal,
		validationHistogram,
		queueWaitHistogram,
		parkedTasksGauge,
		activeTxGauge,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
