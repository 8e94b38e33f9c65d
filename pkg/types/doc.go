/*
Package types defines the core data model shared across Canopy's control
plane: labs, node and link declarations, the desired/actual state pairs the
reconcilers drive, agent (host) records, placements, VXLAN tunnels, endpoint
reservations, interface mappings and jobs.

Types here are plain structs with string-typed state enums. They carry no
behaviour beyond small key helpers; all transition legality lives in
pkg/statemachine and all persistence in pkg/storage.
*/
package types
