// Package metrics exposes bench health counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wifibench"

var (
	// RateVerifyMismatches counts rate-lock verifications that
	// disagreed with the request but were tolerated.
	RateVerifyMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_verify_mismatch_total",
		Help:      "Rate-lock verification mismatches (tolerated, non-fatal).",
	})

	// Reconnects counts control-session reconnects to the peer device.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_reconnect_total",
		Help:      "SSH control session reconnects after transport failure.",
	})

	// BringupFailures counts (band,width,channel) iterations abandoned
	// because a role never reached Ready.
	BringupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bringup_failure_total",
		Help:      "Role bring-up timeouts aborting a matrix point group.",
	})

	// Recoveries counts access-point daemon restarts triggered by
	// data-plane failure signatures during a transmit run.
	Recoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dataplane_recovery_total",
		Help:      "AP daemon restarts triggered by data-plane failures.",
	})

	// PointFailures counts test points that exhausted their retry
	// budget and were marked failed.
	PointFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "testpoint_failure_total",
		Help:      "Test points marked failed after exhausting retries.",
	})
)

// Serve exposes /metrics on addr. Blocks; intended to run in its own
// goroutine from the command layer.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
