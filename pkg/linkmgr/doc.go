/*
Package linkmgr orchestrates lab links across agents.

Same-host links become a shared VLAN on one agent's bridge; cross-host
links become a VXLAN tunnel between two agents, attached in parallel on
both sides. VNIs and tunnel port names are pure functions of
(lab, link name), so every party derives the same values without
coordination and they survive controller restarts. Endpoint reservations
are claimed before any agent call; conflicts surface on the link state
rather than failing the whole deploy.
*/
package linkmgr
