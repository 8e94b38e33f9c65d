/*
Package gateway is the WebSocket boundary.

Each lab has one state stream: clients connect, receive the full current
state as initial_state and initial_links frames, then live frames as the
broadcaster publishes them. The stream answers ping with pong, pushes a
heartbeat after 30 seconds of silence and closes with 1011 when the
backend fails. Consoles are a dumb byte proxy to the owning agent.
*/
package gateway
