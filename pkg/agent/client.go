package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/gorilla/websocket"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// Per-operation deadlines. Deploy is long because image pulls happen
// inside it.
const (
	deployTimeout     = 900 * time.Second
	destroyTimeout    = 300 * time.Second
	nodeActionTimeout = 60 * time.Second
	statusTimeout     = 30 * time.Second
	healthTimeout     = 5 * time.Second
	discoverTimeout   = 30 * time.Second
	cleanupTimeout    = 120 * time.Second
	overlayTimeout    = 60 * time.Second
	vlanTimeout       = 30 * time.Second

	maxAttempts    = 3
	maxBackoff     = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
)

// Pool hands out one Client per agent, all sharing a single pooled HTTP
// transport.
type Pool struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool() *Pool {
	return &Pool{
		httpClient: cleanhttp.DefaultPooledClient(),
		clients:    make(map[string]*Client),
	}
}

// Get returns the client for a host, creating it on first use.
func (p *Pool) Get(host *types.Host) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[host.ID]; ok {
		c.baseURL = baseURL(host.Address)
		return c
	}
	c := &Client{
		agentID: host.ID,
		baseURL: baseURL(host.Address),
		http:    p.httpClient,
	}
	p.clients[host.ID] = c
	return c
}

// Drop forgets a host's client, e.g. after deregistration.
func (p *Pool) Drop(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, hostID)
}

func baseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/")
	}
	return "http://" + address
}

// Client is a typed façade over one agent's HTTP API. Errors returned by
// its methods carry an error category plus the agent id (and job id where
// one applies) for telemetry.
type Client struct {
	agentID string
	baseURL string
	http    *http.Client
}

func (c *Client) AgentID() string { return c.agentID }

// DeployRequest asks the agent to deploy a lab's topology.
type DeployRequest struct {
	JobID    string          `json:"job_id"`
	LabID    string          `json:"lab_id"`
	Provider types.Provider  `json:"provider"`
	Topology json.RawMessage `json:"topology"`
}

// DestroyRequest tears a lab down on the agent.
type DestroyRequest struct {
	JobID    string         `json:"job_id"`
	LabID    string         `json:"lab_id"`
	Provider types.Provider `json:"provider"`
}

// NodeActionRequest starts, stops or restarts a single node.
type NodeActionRequest struct {
	JobID    string         `json:"job_id"`
	LabID    string         `json:"lab_id"`
	Node     string         `json:"node"`
	Op       string         `json:"op"` // start | stop | restart
	Provider types.Provider `json:"provider"`
}

// NodeStatus is one node's runtime status as the agent sees it.
type NodeStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusReply is the agent's ground-truth view of a lab.
type StatusReply struct {
	Nodes []NodeStatus `json:"nodes"`
}

// HealthReply reports agent liveness and resource usage.
type HealthReply struct {
	Status        string             `json:"status"`
	ResourceUsage map[string]float64 `json:"resource_usage"`
}

// CreateLinkRequest wires two same-host container interfaces into one
// VLAN. The agent picks the tag.
type CreateLinkRequest struct {
	LabID    string `json:"lab_id"`
	LinkName string `json:"link_name"`
	NodeA    string `json:"node_a"`
	IfA      string `json:"if_a"`
	NodeB    string `json:"node_b"`
	IfB      string `json:"if_b"`
	MTU      int    `json:"mtu,omitempty"`
}

// CreateLinkReply returns the VLAN tag the agent chose plus the OVS
// ports it wired each endpoint onto.
type CreateLinkReply struct {
	VlanTag int    `json:"vlan_tag"`
	PortA   string `json:"port_a"`
	PortB   string `json:"port_b"`
	Bridge  string `json:"bridge"`
}

// AttachRequest wires one VXLAN endpoint onto the agent's bridge.
type AttachRequest struct {
	LabID     string `json:"lab_id"`
	LinkName  string `json:"link_name"`
	Node      string `json:"node"`
	Interface string `json:"interface"`
	PortName  string `json:"port_name"`
	VNI       int    `json:"vni"`
	LocalIP   string `json:"local_ip"`
	RemoteIP  string `json:"remote_ip"`
	MTU       int    `json:"mtu,omitempty"`
}

// AttachReply returns the local VLAN tag the agent chose for its side
// and the OVS port carrying the container interface.
type AttachReply struct {
	VlanTag int    `json:"vlan_tag"`
	Port    string `json:"port"`
	Bridge  string `json:"bridge"`
}

// DetachRequest removes a VXLAN endpoint from the bridge.
type DetachRequest struct {
	LabID    string `json:"lab_id"`
	PortName string `json:"port_name"`
}

// ReconcilePortsRequest asks the agent to delete vxlan ports not in the
// valid set.
type ReconcilePortsRequest struct {
	ValidPortNames []string `json:"valid_port_names"`
	Force          bool     `json:"force"`
	Confirm        bool     `json:"confirm"`
	AllowEmpty     bool     `json:"allow_empty"`
}

// ReconcilePortsReply lists what the agent removed.
type ReconcilePortsReply struct {
	Removed []string `json:"removed"`
}

// OverlayStatusReply describes the agent's bridge and its ports.
type OverlayStatusReply struct {
	Bridge string   `json:"bridge"`
	Ports  []string `json:"ports"`
}

// PortVlan pairs an OVS port with its access VLAN tag.
type PortVlan struct {
	PortName string `json:"port_name"`
	VlanTag  int    `json:"vlan_tag"`
}

// PortState is one container interface's observed carrier plus the OVS
// wiring behind it.
type PortState struct {
	Node      string             `json:"node"`
	Interface string             `json:"interface"`
	Carrier   types.CarrierState `json:"carrier"`
	OVSPort   string             `json:"ovs_port"`
	Bridge    string             `json:"bridge"`
	VlanTag   int                `json:"vlan_tag"`
}

// PortStateDeclaration tells the agent which carrier transitions to watch
// and report for a port pairing.
type PortStateDeclaration struct {
	Node      string `json:"node"`
	Interface string `json:"interface"`
	PeerNode  string `json:"peer_node"`
	PeerIf    string `json:"peer_interface"`
}

// Deploy deploys a lab. Connection failures are retried with backoff.
func (c *Client) Deploy(ctx context.Context, jobID string, req *DeployRequest) error {
	return c.call(ctx, http.MethodPost, "/jobs/deploy", req, nil, deployTimeout, true, jobID)
}

// Destroy tears down a lab.
func (c *Client) Destroy(ctx context.Context, jobID string, req *DestroyRequest) error {
	return c.call(ctx, http.MethodPost, "/jobs/destroy", req, nil, destroyTimeout, true, jobID)
}

// NodeAction runs a start/stop/restart on one node.
func (c *Client) NodeAction(ctx context.Context, jobID string, req *NodeActionRequest) error {
	return c.call(ctx, http.MethodPost, "/jobs/node-action", req, nil, nodeActionTimeout, true, jobID)
}

// RemoveNode destroys a single node's container, leaving the rest of the
// lab running.
func (c *Client) RemoveNode(ctx context.Context, labID, node string) error {
	body := map[string]string{"lab_id": labID, "node": node}
	return c.call(ctx, http.MethodPost, "/nodes/remove", body, nil, nodeActionTimeout, false, "")
}

// Status fetches the agent's ground-truth node statuses for a lab.
// Never retried; the next monitor cycle polls again anyway.
func (c *Client) Status(ctx context.Context, labID string) (*StatusReply, error) {
	var reply StatusReply
	body := map[string]string{"lab_id": labID}
	if err := c.call(ctx, http.MethodPost, "/labs/status", body, &reply, statusTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Health probes agent liveness. Never retried.
func (c *Client) Health(ctx context.Context) (*HealthReply, error) {
	var reply HealthReply
	if err := c.call(ctx, http.MethodGet, "/health", nil, &reply, healthTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// DiscoverLabs lists the lab IDs the agent currently has containers for.
func (c *Client) DiscoverLabs(ctx context.Context) ([]string, error) {
	var reply struct {
		LabIDs []string `json:"lab_ids"`
	}
	if err := c.call(ctx, http.MethodGet, "/discover-labs", nil, &reply, discoverTimeout, false, ""); err != nil {
		return nil, err
	}
	return reply.LabIDs, nil
}

// CleanupOrphans removes agent-side resources for labs not in the valid
// set.
func (c *Client) CleanupOrphans(ctx context.Context, validLabIDs []string) error {
	body := map[string][]string{"valid_lab_ids": validLabIDs}
	return c.call(ctx, http.MethodPost, "/cleanup-orphans", body, nil, cleanupTimeout, false, "")
}

// CreateLink creates a same-host link between two container interfaces.
func (c *Client) CreateLink(ctx context.Context, req *CreateLinkRequest) (*CreateLinkReply, error) {
	var reply CreateLinkReply
	if err := c.call(ctx, http.MethodPost, "/links/create", req, &reply, overlayTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AttachOverlay creates a VXLAN port on the agent's bridge and returns
// the agent's local VLAN tag.
func (c *Client) AttachOverlay(ctx context.Context, req *AttachRequest) (*AttachReply, error) {
	var reply AttachReply
	if err := c.call(ctx, http.MethodPost, "/overlay/attach", req, &reply, overlayTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// CleanupOverlay removes every overlay port the agent holds for a lab.
func (c *Client) CleanupOverlay(ctx context.Context, labID string) error {
	body := map[string]string{"lab_id": labID}
	return c.call(ctx, http.MethodPost, "/overlay/cleanup", body, nil, overlayTimeout, false, "")
}

// DetachOverlay removes a VXLAN port.
func (c *Client) DetachOverlay(ctx context.Context, req *DetachRequest) error {
	return c.call(ctx, http.MethodPost, "/overlay/detach", req, nil, overlayTimeout, false, "")
}

// ReconcileVxlanPorts removes stray vxlan ports outside the valid set.
func (c *Client) ReconcileVxlanPorts(ctx context.Context, req *ReconcilePortsRequest) (*ReconcilePortsReply, error) {
	var reply ReconcilePortsReply
	if err := c.call(ctx, http.MethodPost, "/overlay/reconcile-ports", req, &reply, overlayTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// OverlayStatus reports the bridge and its ports.
func (c *Client) OverlayStatus(ctx context.Context) (*OverlayStatusReply, error) {
	var reply OverlayStatusReply
	if err := c.call(ctx, http.MethodGet, "/overlay/status", nil, &reply, overlayTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SetPortVlan sets the access VLAN tag on an OVS port.
func (c *Client) SetPortVlan(ctx context.Context, labID string, pv *PortVlan) error {
	path := "/labs/" + url.PathEscape(labID) + "/port-vlan"
	return c.call(ctx, http.MethodPost, path, pv, nil, vlanTimeout, false, "")
}

// GetPortVlan reads the access VLAN tag of an OVS port.
func (c *Client) GetPortVlan(ctx context.Context, labID, portName string) (*PortVlan, error) {
	var reply PortVlan
	path := "/labs/" + url.PathEscape(labID) + "/port-vlan?port=" + url.QueryEscape(portName)
	if err := c.call(ctx, http.MethodGet, path, nil, &reply, vlanTimeout, false, ""); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetPortState reads the observed carrier and OVS wiring of a lab's
// ports.
func (c *Client) GetPortState(ctx context.Context, labID string) ([]PortState, error) {
	var reply struct {
		Ports []PortState `json:"ports"`
	}
	path := "/labs/" + url.PathEscape(labID) + "/port-state"
	if err := c.call(ctx, http.MethodGet, path, nil, &reply, vlanTimeout, false, ""); err != nil {
		return nil, err
	}
	return reply.Ports, nil
}

// DeclarePortState registers the port pairings whose carrier transitions
// the agent should watch and call back about.
func (c *Client) DeclarePortState(ctx context.Context, labID string, pairings []PortStateDeclaration) error {
	body := map[string][]PortStateDeclaration{"pairings": pairings}
	path := "/labs/" + url.PathEscape(labID) + "/port-state/declare"
	return c.call(ctx, http.MethodPost, path, body, nil, vlanTimeout, false, "")
}

// SetCarrier propagates a carrier change to the peer agent's side of a
// link.
func (c *Client) SetCarrier(ctx context.Context, labID, node, iface string, carrier types.CarrierState) error {
	body := map[string]interface{}{
		"lab_id":        labID,
		"node":          node,
		"interface":     iface,
		"carrier_state": carrier,
	}
	path := "/labs/" + url.PathEscape(labID) + "/carrier"
	return c.call(ctx, http.MethodPost, path, body, nil, vlanTimeout, false, "")
}

// DialConsole opens the bidirectional console byte proxy for one node.
func (c *Client) DialConsole(ctx context.Context, labID, node string) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/labs/" + url.PathEscape(labID) + "/nodes/" + url.PathEscape(node) + "/console"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, errdefs.Wrap(errdefs.CategoryNetwork, "console dial failed", err).WithAgent(c.agentID)
	}
	return conn, nil
}

// call performs one HTTP exchange. When retriable is set, connection-level
// failures are retried with exponential backoff capped at maxBackoff; HTTP
// status errors are never retried.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}, timeout time.Duration, retriable bool, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errdefs.Wrap(errdefs.CategoryValidation, "failed to encode request", err).WithAgent(c.agentID)
		}
	}

	attempts := 1
	if retriable {
		attempts = maxAttempts
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.WithAgent(c.agentID).Debug().
				Str("path", path).Int("attempt", attempt+1).Msg("Retrying agent call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return c.categorize(ctx.Err(), path, jobID)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return errdefs.Wrap(errdefs.CategoryValidation, "failed to build request", err).WithAgent(c.agentID)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Connection-level failure: the only retriable class.
			lastErr = c.categorize(err, path, jobID)
			continue
		}

		err = decodeResponse(resp, out)
		if err != nil {
			return c.tag(err, jobID)
		}
		return nil
	}
	return lastErr
}

// categorize maps a transport error to a categorised error.
func (c *Client) categorize(err error, path string, jobID string) error {
	cat := errdefs.CategoryNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		cat = errdefs.CategoryTimeout
	}
	e := errdefs.Wrap(cat, fmt.Sprintf("agent call %s failed", path), err).WithAgent(c.agentID)
	if jobID != "" {
		e = e.WithJob(jobID)
	}
	return e
}

func (c *Client) tag(err error, jobID string) error {
	var ce *errdefs.Error
	if errors.As(err, &ce) {
		ce.WithAgent(c.agentID)
		if jobID != "" {
			ce.WithJob(jobID)
		}
	}
	return err
}

// decodeResponse maps HTTP status codes onto the error taxonomy and
// decodes a 2xx body into out.
func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errdefs.Wrap(errdefs.CategoryAgent, "failed to decode agent reply", err)
		}
		return nil
	}

	msg := readErrorBody(resp.Body)
	var cat errdefs.Category
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		cat = errdefs.CategoryAuthentication
	case http.StatusForbidden:
		cat = errdefs.CategoryAuthorization
	case http.StatusNotFound:
		cat = errdefs.CategoryNotFound
	case http.StatusConflict:
		cat = errdefs.CategoryConflict
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		cat = errdefs.CategoryValidation
	default:
		if resp.StatusCode >= 500 {
			cat = errdefs.CategoryAgent
		} else {
			cat = errdefs.CategoryUnknown
		}
	}
	return errdefs.Newf(cat, "agent returned %d: %s", resp.StatusCode, msg)
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
