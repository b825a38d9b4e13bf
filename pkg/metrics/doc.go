/*
Package metrics provides the shared Prometheus HTTP handler, a timer
helper, and a generic cross-component health registry.

Domain counters are not defined here. Each component registers its own
metrics against the default Prometheus registry next to the code that
emits them: pkg/pool (runnerd_pool_*), pkg/scaler (runnerd_scaler_*),
pkg/reaper (runnerd_reaper_*), pkg/scanner (runnerd_scanner_hits_total),
pkg/intake (runnerd_intake_*) and pkg/runtime's monitor
(runnerd_container_*). metrics.Handler wraps promhttp.Handler so
pkg/control can expose all of them on one /metrics endpoint without
importing any of those packages directly.

RegisterComponent/UpdateComponent let a component report its own
health under a name; GetHealth/GetReadiness aggregate those reports the
way pkg/control's /health and /ready endpoints do.

	timer := metrics.NewTimer()
	err := doWork()
	timer.ObserveDuration(someHistogram)

	metrics.UpdateComponent("jobstore", leader, "")
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
