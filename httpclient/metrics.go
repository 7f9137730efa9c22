package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeCached  = "cached"
)

var fetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "federation_document_fetches_total",
		Help: "Federation document fetches, by outcome.",
	},
	[]string{"outcome"},
)
