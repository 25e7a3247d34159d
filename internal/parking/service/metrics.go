package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservation_admission_seconds",
		Help:    "Time spent admitting a reservation, grouped by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_admissions_total",
		Help: "Total reservation admission attempts grouped by outcome.",
	}, []string{"result"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spot_search_seconds",
		Help:    "Time spent answering proximity searches.",
		Buckets: prometheus.DefBuckets,
	}, []string{"filtered"})
)
