// Package status publishes the server state for operators.
//
// The HTTP routes are:
//
//	GET /status   the current Report as JSON
//	GET /ws       websocket; send "/status" to receive a Report
//	GET /metrics  Prometheus metrics, when WithMetricsHandler is set
//	GET /healthz  liveness probe
//
// With WithPushInterval the websocket also receives a Report every
// interval without asking.
package status
