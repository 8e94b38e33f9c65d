package gateway

import (
	"net/http"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/gorilla/websocket"
)

// handleConsole proxies console bytes between the browser and the agent
// that owns the node's container. The gateway never interprets the
// stream.
func (g *Gateway) handleConsole(w http.ResponseWriter, r *http.Request) {
	labID := r.PathValue("id")
	node := r.PathValue("node")

	if _, err := g.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	placement, err := g.store.GetPlacement(labID, node)
	if err != nil {
		http.Error(w, "node not placed", errdefs.HTTPStatus(err))
		return
	}
	host, err := g.store.GetHost(placement.HostID)
	if err != nil {
		http.Error(w, "agent not found", errdefs.HTTPStatus(err))
		return
	}

	upstream, err := g.pool.Get(host).DialConsole(r.Context(), labID, node)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Str("node", node).Msg("Console dial failed")
		http.Error(w, "console unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	done := make(chan struct{}, 2)
	go pipe(client, upstream, done)
	go pipe(upstream, client, done)
	<-done
}

// pipe copies websocket messages one way until the source fails.
func pipe(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		if dst.WriteMessage(mt, data) != nil {
			return
		}
	}
}
