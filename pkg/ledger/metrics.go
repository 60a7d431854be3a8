package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var remoteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chainmsg_remote_errors_total",
	Help: "Failed requests against the remote ledger.",
})
