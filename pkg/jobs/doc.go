/*
Package jobs runs the asynchronous lab operations: deploy, stop,
destroy, sync and single-node actions.

Jobs are rows first. Enqueue writes a queued row; a dispatch loop
promotes rows to running while honoring a per-user concurrency limit,
and every promotion is guarded by a compare-and-swap on the status
column so restarts and concurrent supervisors cannot double-run a job.
Each action runs under its own deadline, failures that look transient
get a bounded number of replacement jobs, and a monitor loop fails jobs
whose agent has gone quiet.
*/
package jobs
