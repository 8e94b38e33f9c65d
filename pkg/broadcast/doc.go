/*
Package broadcast fans state-change events out to WebSocket subscribers,
keyed by lab.

Producers (reconcilers, the job runner, the live-edit debouncer) publish
typed frames; each connected WebSocket holds a buffered subscription for
one lab. Publications are mirrored onto a Redis pub/sub channel named
lab_state:<lab-id> so a deployment running several API replicas still
delivers every event to every client, whichever replica it is attached
to. Redis being down never blocks a producer: the frame is delivered to
local subscribers and the bus error is logged at warn.
*/
package broadcast
