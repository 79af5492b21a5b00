package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_router_requests_total",
		Help: "Total mediated requests by strategy and outcome",
	}, []string{"strategy", "outcome"})

	backgroundWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_router_background_writes_total",
		Help: "Total fire-and-forget cache writes by result",
	}, []string{"result"}) // "stored", "failed", "dropped", "stale"
)
