/*
Package api is the REST boundary of the controller.

Handlers validate input, call into the job runner, registry and
reconcilers, and map categorised errors to HTTP status codes. Every
route is wrapped with bearer-token auth (when a secret is configured)
and per-route request metrics. Lifecycle operations never block: they
enqueue a job and answer 202 with its id.
*/
package api
