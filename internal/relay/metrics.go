package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_relay_publish_total",
			Help: "Publish attempts by result.",
		},
		[]string{"result"},
	)
	deliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "securechat_relay_delivered_total",
			Help: "Messages handed to fetching recipients.",
		},
	)
	mailboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "securechat_relay_mailbox_depth",
			Help: "Messages currently queued across all mailboxes.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishTotal)
	prometheus.MustRegister(deliveredTotal)
	prometheus.MustRegister(mailboxDepth)
}
