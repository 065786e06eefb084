// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream adapter state, reconnects and decode errors per broker
//   - Open adapter instances and upstream streams per broker
//   - Bus throughput, unrouted ticks and queue overflow
//   - Client sessions, delivered and coalesced ticks
//   - Instrument cache hit rate and HTTP latency
//
// Collectors are registered against an injected prometheus.Registerer, so
// tests use a fresh prometheus.NewRegistry.
package metrics
