package guard

import "github.com/prometheus/client_golang/prometheus"

var (
	admitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securechat_guard_admit_total",
			Help: "Guard admission decisions by result.",
		},
		[]string{"result"},
	)
	nonceRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "securechat_guard_nonce_records",
			Help: "Nonce records currently held for replay detection.",
		},
	)
)

func init() {
	prometheus.MustRegister(admitTotal)
	prometheus.MustRegister(nonceRecords)
}
