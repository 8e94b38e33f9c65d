/*
Package reservation enforces endpoint exclusivity for links: at most one
desired-up link may claim a given (lab, node, normalised interface) at a
time.

Vendor interface names are normalised before claiming, so Ethernet1 and
eth1 refer to the same reservation slot. Claims are idempotent and
all-or-nothing; a conflicting claim reports the names of the links that
hold the endpoints. A periodic reconcile pass sweeps the table back to
the desired set and reports drift.
*/
package reservation
