package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainmsg_messages_sent_total",
		Help: "Messages authored by this client.",
	})
	fetchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainmsg_fetch_total",
		Help: "Conversation fetch (merge) operations.",
	})
)
