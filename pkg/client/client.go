package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/hashicorp/go-cleanhttp"
)

const requestTimeout = 30 * time.Second

// Client is a typed façade over the controller's REST API, for CLIs and
// other Go programs driving a controller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the controller at addr. A bare host:port gets
// an http scheme.
func New(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    cleanhttp.DefaultPooledClient(),
	}
}

// WithToken returns a copy that authenticates with the bearer token.
func (c *Client) WithToken(token string) *Client {
	out := *c
	out.token = token
	return &out
}

// CreateLabRequest declares a new lab.
type CreateLabRequest struct {
	Name         string         `json:"name"`
	Owner        string         `json:"owner"`
	Provider     types.Provider `json:"provider,omitempty"`
	DefaultAgent string         `json:"default_agent,omitempty"`
}

func (c *Client) CreateLab(ctx context.Context, req *CreateLabRequest) (*types.Lab, error) {
	var lab types.Lab
	if err := c.call(ctx, http.MethodPost, "/api/labs", req, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

func (c *Client) Lab(ctx context.Context, id string) (*types.Lab, error) {
	var lab types.Lab
	if err := c.call(ctx, http.MethodGet, "/api/labs/"+id, nil, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

func (c *Client) Labs(ctx context.Context) ([]*types.Lab, error) {
	var reply struct {
		Labs []*types.Lab `json:"labs"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/labs", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Labs, nil
}

func (c *Client) DeleteLab(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/labs/"+id, nil, nil)
}

// Up enqueues a deploy and returns the job id.
func (c *Client) Up(ctx context.Context, labID string) (string, error) {
	return c.lifecycle(ctx, labID, "up")
}

// Down enqueues a lab-wide stop and returns the job id.
func (c *Client) Down(ctx context.Context, labID string) (string, error) {
	return c.lifecycle(ctx, labID, "down")
}

// Destroy enqueues a teardown and returns the job id.
func (c *Client) Destroy(ctx context.Context, labID string) (string, error) {
	return c.lifecycle(ctx, labID, "destroy")
}

// Sync enqueues a reconcile pass and returns the job id.
func (c *Client) Sync(ctx context.Context, labID string) (string, error) {
	return c.lifecycle(ctx, labID, "sync")
}

func (c *Client) lifecycle(ctx context.Context, labID, action string) (string, error) {
	var reply struct {
		JobID string `json:"job_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/labs/"+labID+"/"+action, nil, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

func (c *Client) Job(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.call(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/jobs/"+id+"/cancel", nil, nil)
}

// WaitJob polls until the job reaches a terminal status or ctx expires.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (*types.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return job, errdefs.Wrap(errdefs.CategoryTimeout, "job wait aborted", ctx.Err())
		}
	}
}

func (c *Client) Agents(ctx context.Context) ([]*types.Host, error) {
	var reply struct {
		Agents []*types.Host `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/agents", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Agents, nil
}

// SetNodeState sets one node's desired state and returns the sync job
// id; empty when the node was already there.
func (c *Client) SetNodeState(ctx context.Context, labID, node string, state types.NodeDesiredState) (string, error) {
	var reply struct {
		JobID string `json:"job_id"`
	}
	body := map[string]types.NodeDesiredState{"state": state}
	if err := c.call(ctx, http.MethodPost, "/api/labs/"+labID+"/nodes/"+node+"/state", body, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

// ImportCounts summarises a topology import.
type ImportCounts struct {
	NodesAdded   int `json:"nodes_added"`
	NodesRemoved int `json:"nodes_removed"`
	LinksAdded   int `json:"links_added"`
	LinksRemoved int `json:"links_removed"`
}

// ImportTopology uploads a topology file; the filename drives format
// sniffing.
func (c *Client) ImportTopology(ctx context.Context, labID, filename string, data []byte) (*ImportCounts, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/labs/"+labID+"/topology/import?filename="+filename, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var counts ImportCounts
	if err := c.do(req, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// ExportTopology downloads the lab's declaration in the given format
// ("yaml" or "graph").
func (c *Client) ExportTopology(ctx context.Context, labID, format string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/labs/"+labID+"/topology/export?format="+format, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CategoryNetwork, "controller unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.CategoryNetwork, "controller unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds a categorised error from the API's structured
// error body, falling back to the HTTP status.
func decodeError(resp *http.Response) error {
	var body struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		cat := errdefs.Category(body.Category)
		if cat == "" {
			cat = errdefs.CategoryUnknown
		}
		return errdefs.New(cat, body.Error)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errdefs.New(errdefs.CategoryNotFound, resp.Status)
	case http.StatusConflict:
		return errdefs.New(errdefs.CategoryConflict, resp.Status)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.New(errdefs.CategoryAuthentication, resp.Status)
	default:
		return errdefs.New(errdefs.CategoryServer, resp.Status)
	}
}
