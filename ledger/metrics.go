// metrics.go - Prometheus counters for ledger operations.
//
// Package-level promauto vars register against the default registry; the
// server exposes them on /metrics.
package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var purchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_purchases_total",
	Help: "Credit grants applied (duplicates excluded).",
})

var purchasedCredits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_purchased_credits_total",
	Help: "Credits granted across all purchases.",
})

var duplicatePurchases = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_duplicate_purchases_total",
	Help: "Purchase notifications absorbed by idempotency.",
})

var debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_debits_total",
	Help: "Debit attempts by outcome.",
}, []string{"outcome"})

var transfersTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_transfers_total",
	Help: "Completed balance transfers.",
})

var grantRaces = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_grant_races_total",
	Help: "Guarded lot decrements that matched zero rows.",
})
