// Package metrics exposes Prometheus registries for dispatcher activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EntryPointMetrics struct {
	validations         *prometheus.CounterVec
	nonceRejections     prometheus.Counter
	settlements         *prometheus.CounterVec
	fallbackSettlements prometheus.Counter
	stakeUnlocks        prometheus.Counter
	stakeWithdrawals    prometheus.Counter
}

var (
	entryPointOnce     sync.Once
	entryPointRegistry *EntryPointMetrics
)

func EntryPoint() *EntryPointMetrics {
	entryPointOnce.Do(func() {
		entryPointRegistry = &EntryPointMetrics{
			validations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "entrypoint_validations_total",
				Help: "Count of operation validations by outcome.",
			}, []string{"outcome"}),
			nonceRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "entrypoint_nonce_rejections_total",
				Help: "Count of operations rejected for a stale or future nonce.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "entrypoint_settlements_total",
				Help: "Count of sponsor settlements by mode.",
			}, []string{"mode"}),
			fallbackSettlements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "entrypoint_fallback_settlements_total",
				Help: "Count of settlements retried after the sponsor's settlement path reverted.",
			}),
			stakeUnlocks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "entrypoint_stake_unlocks_total",
				Help: "Count of stake unlock requests entering the cooldown.",
			}),
			stakeWithdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "entrypoint_stake_withdrawals_total",
				Help: "Count of completed stake withdrawals.",
			}),
		}
		prometheus.MustRegister(
			entryPointRegistry.validations,
			entryPointRegistry.nonceRejections,
			entryPointRegistry.settlements,
			entryPointRegistry.fallbackSettlements,
			entryPointRegistry.stakeUnlocks,
			entryPointRegistry.stakeWithdrawals,
		)
	})
	return entryPointRegistry
}

func (m *EntryPointMetrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *EntryPointMetrics) ObserveNonceRejection() {
	if m == nil {
		return
	}
	m.nonceRejections.Inc()
}

func (m *EntryPointMetrics) ObserveSettlement(mode string) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "unknown"
	}
	m.settlements.WithLabelValues(mode).Inc()
}

func (m *EntryPointMetrics) ObserveFallbackSettlement() {
	if m == nil {
		return
	}
	m.fallbackSettlements.Inc()
}

func (m *EntryPointMetrics) ObserveStakeUnlock() {
	if m == nil {
		return
	}
	m.stakeUnlocks.Inc()
}

func (m *EntryPointMetrics) ObserveStakeWithdrawal() {
	if m == nil {
		return
	}
	m.stakeWithdrawals.Inc()
}
