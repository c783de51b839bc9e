package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loralink "github.com/fusetim/radio-tipe-poc"
)

// serveMetrics wires a PrometheusRecorder into loralink and exposes it
// at addr, mirroring how the logger is opted into separately from the
// protocol state machine itself.
func serveMetrics(addr string) {
	loralink.SetRecorder(loralink.NewPrometheusRecorder(prometheus.DefaultRegisterer))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		loralink.GetLogger().Error("metrics server stopped", "error", http.ListenAndServe(addr, mux).Error())
	}()
}
