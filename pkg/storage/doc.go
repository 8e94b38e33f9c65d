/*
Package storage provides persistent state storage for the Canopy
controller using BoltDB.

The storage layer persists all control-plane state: labs, node and link
declarations, observed node and link states, endpoint reservations, host
records, placements, VXLAN tunnel rows, interface mappings and jobs.
Each entity type lives in its own bucket with JSON-encoded values.
Entities owned by a lab and addressed by name use composite keys with a
"<lab-id>/" prefix so they can be range-scanned and cascade-deleted
cheaply; entities addressed by UUID are keyed by their ID.

BoltDB serialises writers, so every mutation helper here is atomic. The
two operations with read-modify-write semantics that span callers —
reservation inserts and job status transitions — do their check and
write inside a single Update transaction.
*/
package storage
