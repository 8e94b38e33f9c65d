// Package controller wires the whole control plane together: storage,
// broadcaster, agent registry, reconcilers, job runner, cleanup bus,
// live-edit manager and the HTTP/WebSocket listener.
package controller
