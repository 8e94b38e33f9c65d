/*
Package metrics exposes Prometheus metrics for the Canopy controller.

Counters and histograms are updated inline by the components that own
them (agent client, job runner, reconcilers, API, broadcaster). Gauge
metrics that mirror store contents — agents, labs, node and link states,
tunnels, jobs — are sampled every 15 seconds by Collector. Handler
serves the standard promhttp endpoint.
*/
package metrics
