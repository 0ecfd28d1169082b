package milterfrom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "milterfrom_connections_total",
			Help: "Total number of MTA connections handled",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milterfrom_messages_total",
			Help: "Total number of messages checked, by verdict",
		},
		[]string{"verdict"},
	)

	headerMismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "milterfrom_header_mismatches_total",
			Help: "Total number of From: headers that did not match the envelope sender",
		},
	)
)
