//go:build !tinygo

package loralink

import "github.com/prometheus/client_golang/prometheus"

// PrometheusRecorder backs Recorder with github.com/prometheus/client_golang
// collectors: frames transmitted/received, ACK timeouts, channel-usage
// rejections, and per-neighbor ATPC transmit power.
type PrometheusRecorder struct {
	framesTx   prometheus.Counter
	slotsTx    prometheus.Counter
	framesRx   prometheus.Counter
	slotsRx    prometheus.Counter
	ackTimeout prometheus.Counter
	rejected   *prometheus.CounterVec
	neighborTP *prometheus.GaugeVec
	neighbors  prometheus.Gauge
}

// NewPrometheusRecorder builds a PrometheusRecorder and registers its
// collectors against reg. Passing prometheus.DefaultRegisterer registers
// against the default global registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		framesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loralink", Name: "frames_transmitted_total",
			Help: "Frames that completed transmission across all of their slots.",
		}),
		slotsTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loralink", Name: "slots_transmitted_total",
			Help: "Physical radio slots transmitted.",
		}),
		framesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loralink", Name: "frames_received_total",
			Help: "Frames successfully reassembled and delivered.",
		}),
		slotsRx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loralink", Name: "slots_received_total",
			Help: "Physical radio slots received during reassembly.",
		}),
		ackTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loralink", Name: "ack_timeouts_total",
			Help: "Pending acknowledgements that expired without a matching ACK.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loralink", Name: "channel_rejected_total",
			Help: "Transmit calls turned away by the channel-usage ledger, by reason.",
		}, []string{"reason"}),
		neighborTP: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loralink", Name: "neighbor_tx_power_dbm",
			Help: "Current ATPC transmit power selection per neighbor.",
		}, []string{"neighbor"}),
		neighbors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loralink", Name: "neighbors",
			Help: "Number of neighbors currently tracked by ATPC.",
		}),
	}
	reg.MustRegister(r.framesTx, r.slotsTx, r.framesRx, r.slotsRx, r.ackTimeout, r.rejected, r.neighborTP, r.neighbors)
	return r
}

func (r *PrometheusRecorder) FrameTransmitted(slots int) {
	r.framesTx.Inc()
	r.slotsTx.Add(float64(slots))
}

func (r *PrometheusRecorder) FrameReceived(slots int) {
	r.framesRx.Inc()
	r.slotsRx.Add(float64(slots))
}

func (r *PrometheusRecorder) AckTimeout() { r.ackTimeout.Inc() }

func (r *PrometheusRecorder) ChannelRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) NeighborTP(addr uint16, dBm int8) {
	r.neighborTP.WithLabelValues(hexAddr(addr)).Set(float64(dBm))
}

func (r *PrometheusRecorder) NeighborCount(n int) { r.neighbors.Set(float64(n)) }

func hexAddr(addr uint16) string {
	const hexDigits = "0123456789abcdef"
	buf := [4]byte{}
	for i := 3; i >= 0; i-- {
		buf[i] = hexDigits[addr&0xF]
		addr >>= 4
	}
	return string(buf[:])
}
