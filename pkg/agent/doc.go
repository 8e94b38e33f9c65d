/*
Package agent is the controller's typed façade over the per-host agent
processes.

Client wraps one agent's JSON-over-HTTP API: deploy/destroy/node-action
jobs, lab status, overlay (VXLAN) port management, port VLAN tags,
carrier propagation and the console WebSocket. Every call has an
operation-specific deadline; connection-level failures on the long job
operations are retried with capped exponential backoff, while HTTP
status errors are never retried because they indicate application-level
failure. All errors come back categorised and tagged with the agent ID
(and job ID where one applies).

Pool shares one pooled HTTP transport across all agents. Registry owns
agent registration, heartbeats and the stale-heartbeat sweep that marks
hosts offline.
*/
package agent
