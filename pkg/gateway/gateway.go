package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/statemachine"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// heartbeatInterval is how long a connection may sit idle before the
// gateway sends a heartbeat frame.
const heartbeatInterval = 30 * time.Second

// Gateway serves the WebSocket surfaces: per-lab state streams fanning
// out broadcast frames, and the node console byte proxy.
type Gateway struct {
	store       storage.Store
	pool        *agent.Pool
	broadcaster *broadcast.Broadcaster
	secret      []byte
	heartbeat   time.Duration
	upgrader    websocket.Upgrader
}

// New builds a gateway. An empty secret disables token checks, for
// development setups.
func New(store storage.Store, pool *agent.Pool, b *broadcast.Broadcaster, secret []byte) *Gateway {
	return &Gateway{
		store:       store,
		pool:        pool,
		broadcaster: b,
		secret:      secret,
		heartbeat:   heartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket routes.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/labs/{id}/state", g.handleState)
	mux.HandleFunc("GET /ws/labs/{id}/nodes/{node}/console", g.handleConsole)
}

func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	labID := r.PathValue("id")
	if _, err := g.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := g.store.GetLab(labID); err != nil {
		http.Error(w, "lab not found", errdefs.HTTPStatus(err))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.serveState(conn, labID)
}

// serveState owns one state-stream connection. All writes happen on this
// goroutine; the reader goroutine only feeds requests back through the
// outbound channel. A nil frame on outbound signals a backend failure
// and closes the stream with 1011.
func (g *Gateway) serveState(conn *websocket.Conn, labID string) {
	defer conn.Close()
	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()

	frames, cancel := g.broadcaster.Subscribe(labID)
	defer cancel()

	outbound := make(chan *broadcast.Frame, 16)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go g.readLoop(conn, labID, outbound, done, stop)

	g.queueInitial(labID, outbound, stop)

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				g.closeError(conn, "broadcast stream closed")
				return
			}
			if conn.WriteJSON(f) != nil {
				return
			}
			ticker.Reset(g.heartbeat)

		case f := <-outbound:
			if f == nil {
				g.closeError(conn, "failed to load lab state")
				return
			}
			if conn.WriteJSON(f) != nil {
				return
			}
			ticker.Reset(g.heartbeat)

		case <-ticker.C:
			if conn.WriteJSON(broadcast.NewFrame(broadcast.FrameHeartbeat, nil)) != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn, labID string, outbound chan<- *broadcast.Frame, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) != nil {
			continue
		}
		switch req.Type {
		case "ping":
			send(outbound, broadcast.NewFrame("pong", nil), stop)
		case "refresh":
			g.queueInitial(labID, outbound, stop)
		}
	}
}

// send never blocks past the writer's lifetime.
func send(outbound chan<- *broadcast.Frame, f *broadcast.Frame, stop <-chan struct{}) {
	select {
	case outbound <- f:
	case <-stop:
	}
}

// queueInitial pushes the full current state of the lab: one
// initial_state frame with the lab and its nodes, one initial_links
// frame with every link.
func (g *Gateway) queueInitial(labID string, outbound chan<- *broadcast.Frame, stop <-chan struct{}) {
	state, err := g.initialState(labID)
	if err != nil {
		log.WithLab(labID).Error().Err(err).Msg("Failed to build initial state")
		send(outbound, nil, stop)
		return
	}
	links, err := g.initialLinks(labID)
	if err != nil {
		log.WithLab(labID).Error().Err(err).Msg("Failed to build initial links")
		send(outbound, nil, stop)
		return
	}
	send(outbound, state, stop)
	send(outbound, links, stop)
}

func (g *Gateway) initialState(labID string) (*broadcast.Frame, error) {
	lab, err := g.store.GetLab(labID)
	if err != nil {
		return nil, err
	}
	states, err := g.store.ListNodeStatesByLab(labID)
	if err != nil {
		return nil, err
	}

	nodes := make([]map[string]interface{}, 0, len(states))
	for _, ns := range states {
		nodes = append(nodes, map[string]interface{}{
			"node":                ns.NodeName,
			"display_state":       statemachine.DisplayState(ns.ActualState, ns.DesiredState),
			"actual_state":        ns.ActualState,
			"desired_state":       ns.DesiredState,
			"host":                ns.HostID,
			"image_sync_status":   ns.ImageSyncStatus,
			"image_sync_progress": ns.ImageSyncProgress,
			"last_error":          ns.LastError,
		})
	}
	return broadcast.NewFrame(broadcast.FrameInitialState, map[string]interface{}{
		"lab_id":      lab.ID,
		"state":       lab.State,
		"state_error": lab.StateError,
		"nodes":       nodes,
	}), nil
}

func (g *Gateway) initialLinks(labID string) (*broadcast.Frame, error) {
	states, err := g.store.ListLinkStatesByLab(labID)
	if err != nil {
		return nil, err
	}

	links := make([]map[string]interface{}, 0, len(states))
	for _, ls := range states {
		links = append(links, map[string]interface{}{
			"link":               ls.LinkName,
			"desired_state":      ls.DesiredState,
			"actual_state":       ls.ActualState,
			"is_cross_host":      ls.IsCrossHost,
			"source_oper_state":  ls.SourceOperState,
			"source_oper_reason": ls.SourceOperReason,
			"target_oper_state":  ls.TargetOperState,
			"target_oper_reason": ls.TargetOperReason,
			"oper_epoch":         ls.OperEpoch,
			"error_message":      ls.ErrorMessage,
		})
	}
	return broadcast.NewFrame(broadcast.FrameInitialLinks, map[string]interface{}{
		"lab_id": labID,
		"links":  links,
	}), nil
}

func (g *Gateway) closeError(conn *websocket.Conn, reason string) {
	conn.WriteJSON(broadcast.NewFrame(broadcast.FrameError, map[string]string{"error": reason}))
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
		time.Now().Add(time.Second))
}

// authenticate validates the JWT from the token query parameter or the
// Authorization header and returns its subject.
func (g *Gateway) authenticate(r *http.Request) (string, error) {
	if len(g.secret) == 0 {
		return "", nil
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if raw == "" {
		return "", errdefs.New(errdefs.CategoryAuthentication, "missing token")
	}

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("token rejected")
		}
		return "", errdefs.Wrap(errdefs.CategoryAuthentication, "invalid token", err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", errdefs.Wrap(errdefs.CategoryAuthentication, "token has no subject", err)
	}
	return sub, nil
}
