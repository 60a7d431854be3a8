package conversations

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chainmsg_poll_refresh_total",
	Help: "Poll refreshes that observed a changed message count.",
})
