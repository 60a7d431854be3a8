package ipfs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainmsg_publish_total",
		Help: "Total publish attempts, real or local.",
	})
	publishFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainmsg_publish_fallback_total",
		Help: "Publish calls that degraded to a placeholder locator after a pinning failure.",
	})
)
