package controller

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/api"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/gateway"
	"github.com/canopy-net/canopy/pkg/jobs"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/liveedit"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/reservation"
	"github.com/canopy-net/canopy/pkg/scheduler"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/go-redis/redis/v8"
)

// App owns the full controller: storage, agent registry, reconcilers,
// job runner, cleanup bus, live-edit manager and the HTTP listener.
type App struct {
	cfg Config

	store       storage.Store
	pool        *agent.Pool
	broadcaster *broadcast.Broadcaster
	registry    *agent.Registry
	links       *linkmgr.Manager
	nodes       *reconciler.NodeReconciler
	linkRec     *reconciler.LinkReconciler
	runner      *jobs.Runner
	cleanups    *cleanup.Service
	edits       *liveedit.Manager
	collector   *metrics.Collector
	httpSrv     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every component. Nothing starts running until Start.
func New(cfg Config) (*App, error) {
	cfg.ApplyDefaults()

	for _, dir := range []string{cfg.DataDir, cfg.WorkspaceRoot, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	broadcaster := broadcast.New(rdb)

	pool := agent.NewPool()
	registry := agent.NewRegistry(store, time.Duration(cfg.AgentStaleTimeout))
	sched := scheduler.New(store)
	reservations := reservation.New(store, reservation.NewNormalizer(cfg.VendorInterfaceOverrides))
	links := linkmgr.New(store, pool, reservations)
	nodes := reconciler.NewNodeReconciler(store, pool, broadcaster)
	linkRec := reconciler.NewLinkReconciler(store, pool, links, broadcaster, time.Duration(cfg.ReconcileInterval))
	cleanups := cleanup.New(store, pool, links, cfg.WorkspaceRoot)
	runner := jobs.NewRunner(store, pool, broadcaster, sched, links, nodes, jobs.Config{
		MaxRetries: cfg.JobMaxRetries,
		MaxPerUser: cfg.JobMaxPerUser,
		LogDir:     cfg.LogDir,
		Events:     cleanups,
	})
	edits := liveedit.New(store, pool, runner, cleanups, time.Duration(cfg.EditDebounce))

	// Agent-offline cleanup reacts to the registry's liveness sweep;
	// registration triggers an inventory audit of the returning agent.
	registry.OnOffline = func(hostID string) {
		cleanups.Emit(cleanup.Event{Type: cleanup.EventAgentOffline, AgentID: hostID})
	}
	registry.OnRegister = func(hostID string) {
		cleanups.Emit(cleanup.Event{Type: cleanup.EventAgentRegistered, AgentID: hostID})
	}

	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}

	mux := http.NewServeMux()
	api.NewServer(api.Deps{
		Store:       store,
		Pool:        pool,
		Runner:      runner,
		Registry:    registry,
		Broadcaster: broadcaster,
		Nodes:       nodes,
		Edits:       edits,
		Cleanups:    cleanups,
		JWTSecret:   secret,
	}).Register(mux)
	gateway.New(store, pool, broadcaster, secret).Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:         cfg,
		store:       store,
		pool:        pool,
		broadcaster: broadcaster,
		registry:    registry,
		links:       links,
		nodes:       nodes,
		linkRec:     linkRec,
		runner:      runner,
		cleanups:    cleanups,
		edits:       edits,
		collector:   metrics.NewCollector(store),
		httpSrv:     &http.Server{Addr: cfg.ListenAddr, Handler: mux},
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the background loops and the HTTP listener. The
// listener error channel is returned so callers can watch for bind
// failures.
func (a *App) Start() <-chan error {
	a.broadcaster.Start(a.ctx)
	a.cleanups.Start()
	a.registry.Start()
	a.linkRec.Start()
	a.runner.Start()
	a.collector.Start()

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("controller").Info().
			Str("addr", a.cfg.ListenAddr).Msg("Controller listening")
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop shuts everything down in reverse order: listener first so no new
// work arrives, then the loops, then storage.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.httpSrv.Shutdown(shutdownCtx)

	a.edits.Stop()
	a.runner.Stop()
	a.collector.Stop()
	a.linkRec.Stop()
	a.registry.Stop()
	a.cleanups.Stop()
	a.broadcaster.Stop()
	a.cancel()

	if err := a.store.Close(); err != nil {
		log.WithComponent("controller").Error().Err(err).Msg("Failed to close store")
	}
}
