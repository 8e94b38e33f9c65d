/*
Package statemachine holds the pure, side-effect-free transition logic for
Canopy's control plane: legal node and link state transitions, display-state
collapse for the UI, enforcement-action derivation, bulk-command
classification, lab aggregate state, and per-endpoint derived operational
state.

Nothing here performs I/O. The reconcilers and job runner call into this
package and persist the results; keeping the rules pure makes every
transition decision unit-testable in isolation.
*/
package statemachine
