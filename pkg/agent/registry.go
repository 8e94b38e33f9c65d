package agent

import (
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
)

const (
	// DefaultStaleTimeout is how old a heartbeat may be before the host is
	// marked offline.
	DefaultStaleTimeout = 90 * time.Second

	checkInterval = 30 * time.Second
)

// RegisterRequest is an agent's registration payload.
type RegisterRequest struct {
	Address           string            `json:"address"`
	Capabilities      map[string]string `json:"capabilities"`
	ImageSyncStrategy string            `json:"image_sync_strategy"`
}

// Registry tracks registered agents and their liveness. A background loop
// marks hosts offline once their heartbeat goes stale; the OnOffline hook
// fires once per online-to-offline transition so cleanup can react.
type Registry struct {
	store        storage.Store
	staleTimeout time.Duration

	// OnOffline is invoked with the host ID when a host goes stale.
	OnOffline func(hostID string)

	// OnRegister is invoked with the host ID after each successful
	// registration, so recovery can audit what the agent still runs.
	OnRegister func(hostID string)

	stopCh chan struct{}
}

func NewRegistry(store storage.Store, staleTimeout time.Duration) *Registry {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &Registry{
		store:        store,
		staleTimeout: staleTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Register adds a host or refreshes an existing one. A host reconnecting
// from a known address keeps its previous ID so placements stay valid.
func (r *Registry) Register(req *RegisterRequest) (*types.Host, error) {
	if req.Address == "" {
		return nil, errdefs.New(errdefs.CategoryValidation, "agent address is required")
	}

	now := time.Now().UTC()
	host, err := r.store.GetHostByAddress(req.Address)
	if err != nil {
		host = &types.Host{
			ID:           uuid.New().String(),
			Address:      req.Address,
			RegisteredAt: now,
		}
	}

	host.Capabilities = req.Capabilities
	host.ImageSyncStrategy = req.ImageSyncStrategy
	host.Status = types.HostOnline
	host.LastHeartbeat = now
	host.LastError = ""
	host.ErrorSince = time.Time{}

	if err := r.store.PutHost(host); err != nil {
		return nil, err
	}
	log.WithAgent(host.ID).Info().Str("address", host.Address).Msg("Agent registered")
	if r.OnRegister != nil {
		r.OnRegister(host.ID)
	}
	return host, nil
}

// Heartbeat refreshes a host's liveness and resource usage.
func (r *Registry) Heartbeat(hostID string, usage map[string]float64) error {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		return err
	}

	host.LastHeartbeat = time.Now().UTC()
	host.ResourceUsage = usage
	if host.Status == types.HostOffline {
		log.WithAgent(host.ID).Info().Msg("Agent back online")
	}
	host.Status = types.HostOnline
	return r.store.PutHost(host)
}

// Start begins the stale-heartbeat sweep.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) run() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	hosts, err := r.store.ListHosts()
	if err != nil {
		log.WithComponent("agent-registry").Error().Err(err).Msg("Failed to list hosts")
		return
	}

	cutoff := time.Now().UTC().Add(-r.staleTimeout)
	for _, host := range hosts {
		if host.Status == types.HostOffline || !host.LastHeartbeat.Before(cutoff) {
			continue
		}
		host.Status = types.HostOffline
		host.LastError = "heartbeat stale"
		host.ErrorSince = time.Now().UTC()
		if err := r.store.PutHost(host); err != nil {
			log.WithAgent(host.ID).Error().Err(err).Msg("Failed to mark host offline")
			continue
		}
		log.WithAgent(host.ID).Warn().
			Time("last_heartbeat", host.LastHeartbeat).Msg("Agent heartbeat stale, marked offline")
		if r.OnOffline != nil {
			r.OnOffline(host.ID)
		}
	}
}
