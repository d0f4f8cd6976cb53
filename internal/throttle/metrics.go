package throttle

import "github.com/prometheus/client_golang/prometheus"

var (
	windowsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "throttle_windows_active",
			Help: "Users with an open throttle window, per shard.",
		},
		[]string{"shard"},
	)
	bufferedMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "throttle_buffered_messages",
			Help: "Messages buffered behind an outstanding reply, per shard.",
		},
		[]string{"shard"},
	)
)

func init() {
	prometheus.MustRegister(windowsActive, bufferedMessages)
}
