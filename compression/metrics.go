package compression

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsmux_compression_pool_events_total",
		Help: "codec pool lifecycle events (created, reused, retained, disposed), by pool",
	}, []string{"pool", "event"})
)
