package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	pool := NewPool()
	return pool.Get(&types.Host{ID: "agent-1", Address: srv.URL})
}

func TestStatusDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/labs/status", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lab-1", body["lab_id"])

		json.NewEncoder(w).Encode(StatusReply{Nodes: []NodeStatus{
			{Name: "r1", Status: "running"},
			{Name: "r2", Status: "exited"},
		}})
	}))
	defer srv.Close()

	reply, err := clientFor(t, srv).Status(context.Background(), "lab-1")
	require.NoError(t, err)
	require.Len(t, reply.Nodes, 2)
	assert.Equal(t, "running", reply.Nodes[0].Status)
}

func TestStatusErrorsAreCategorised(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errdefs.Category
	}{
		{"not found", http.StatusNotFound, errdefs.CategoryNotFound},
		{"conflict", http.StatusConflict, errdefs.CategoryConflict},
		{"validation", http.StatusUnprocessableEntity, errdefs.CategoryValidation},
		{"unauthenticated", http.StatusUnauthorized, errdefs.CategoryAuthentication},
		{"agent blew up", http.StatusInternalServerError, errdefs.CategoryAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"boom"}`, tt.status)
			}))
			defer srv.Close()

			_, err := clientFor(t, srv).Status(context.Background(), "lab-1")
			require.Error(t, err)
			assert.Equal(t, tt.want, errdefs.CategoryOf(err))
		})
	}
}

func TestHTTPStatusErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"bad topology"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := clientFor(t, srv).Deploy(context.Background(), "job-1", &DeployRequest{
		JobID: "job-1", LabID: "lab-1", Provider: types.ProviderDocker,
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.CategoryValidation, errdefs.CategoryOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStatusIsNotRetriedOnConnectionFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	_, err := clientFor(t, srv).Status(context.Background(), "lab-1")
	require.Error(t, err)
	// The monitor polls again next cycle; one attempt only.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConnectionErrorsAreRetried(t *testing.T) {
	// A server that is immediately closed yields connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := clientFor(t, srv).NodeAction(context.Background(), "job-1", &NodeActionRequest{
		JobID: "job-1", LabID: "lab-1", Node: "r1", Op: "start",
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.CategoryNetwork, errdefs.CategoryOf(err))

	var ce *errdefs.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "agent-1", ce.AgentID)
	assert.Equal(t, "job-1", ce.JobID)
}

func TestReconcileVxlanPorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/overlay/reconcile-ports", r.URL.Path)
		var req ReconcilePortsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"vxlan-ab12cd34"}, req.ValidPortNames)
		json.NewEncoder(w).Encode(ReconcilePortsReply{Removed: []string{"vxlan-deadbeef"}})
	}))
	defer srv.Close()

	reply, err := clientFor(t, srv).ReconcileVxlanPorts(context.Background(), &ReconcilePortsRequest{
		ValidPortNames: []string{"vxlan-ab12cd34"},
		Confirm:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"vxlan-deadbeef"}, reply.Removed)
}

func TestPoolSharesClientPerAgent(t *testing.T) {
	pool := NewPool()
	host := &types.Host{ID: "agent-1", Address: "10.0.0.1:8081"}

	a := pool.Get(host)
	b := pool.Get(host)
	assert.Same(t, a, b)

	pool.Drop("agent-1")
	c := pool.Get(host)
	assert.NotSame(t, a, c)
}
