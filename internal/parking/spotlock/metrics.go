package spotlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "spot_lock_wait_seconds",
	Help:    "Time spent waiting for a per-spot admission lock.",
	Buckets: prometheus.DefBuckets,
}, []string{"result"})
