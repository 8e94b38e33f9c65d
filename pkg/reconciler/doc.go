/*
Package reconciler drives observed state toward declared state.

LinkReconciler sweeps on a timer: it verifies each candidate link against
the owning agents' OVS reality and climbs a repair ladder — rewrite VLAN
tags, re-attach dangling VXLAN sides, full re-create — stopping at the
first rung that restores the link. The same pass deduplicates tunnel
rows, removes orphaned link states and re-declares same-host port
pairings to agents. Concurrent passes coordinate through skip-locked row
locks.

NodeReconciler runs inside sync jobs. It issues start/stop enforcement
actions for nodes whose terminal actual state mismatches the desired
state, caps automatic retries, and promotes nodes stuck in pending to
error.

RecomputeOper re-derives per-endpoint operational state whenever carrier,
node, host or transport facts change; the oper epoch moves only on real
change so broadcasts stay quiet when nothing happened.
*/
package reconciler
