package wsmux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PreciseBuckets = []float64{0.001, 0.003, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
)

var (
	framesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsmux_frames_sent_total",
		Help: "frames written to the connection, by opcode",
	}, []string{"opcode"})

	bytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsmux_bytes_written_total",
		Help: "bytes written to the connection including frame headers",
	})

	blockingWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsmux_blocking_wait_seconds",
		Help:    "time spent blocked waiting for an asynchronous completion",
		Buckets: PreciseBuckets,
	})

	blockingTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsmux_blocking_timeouts_total",
		Help: "blocking waits that gave up before completion",
	})

	sessionClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsmux_sessions_closed_total",
		Help: "closed sessions, by reason",
	}, []string{"reason"})
)
