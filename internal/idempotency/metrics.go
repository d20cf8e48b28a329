package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeReserved         = "reserved"
	outcomeReplayed         = "replayed"
	outcomeInProgress       = "in_progress"
	outcomeInvalidKey       = "invalid_key"
	outcomeStoreUnavailable = "store_unavailable"
	outcomeCompletionFailed = "completion_failed"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "farm_service",
		Name:      "idempotency_requests_total",
		Help:      "Mutating requests seen by the idempotency interceptor, by outcome",
	},
	[]string{"outcome"}, // reserved, replayed, in_progress, invalid_key, store_unavailable, completion_failed
)
