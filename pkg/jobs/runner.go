package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/scheduler"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
)

const (
	// Per-action job deadlines.
	deployDeadline     = 1020 * time.Second
	destroyDeadline    = 360 * time.Second
	syncDeadline       = 660 * time.Second
	nodeActionDeadline = 300 * time.Second

	// DefaultMaxRetries bounds transient-failure replacement jobs.
	DefaultMaxRetries = 2

	// DefaultMaxPerUser bounds concurrently running jobs per user.
	DefaultMaxPerUser = 2

	dispatchInterval = 2 * time.Second
	monitorInterval  = 30 * time.Second
	agentStale       = 90 * time.Second

	// Log strings longer than this go to a file instead of inline.
	inlineLogLimit = 4096
)

// Runner executes queued jobs, supervises running ones and enforces the
// per-user concurrency limit.
type Runner struct {
	store       storage.Store
	pool        *agent.Pool
	broadcaster *broadcast.Broadcaster
	scheduler   *scheduler.Scheduler
	links       *linkmgr.Manager
	nodes       *reconciler.NodeReconciler
	events      *cleanup.Service

	maxRetries int
	maxPerUser int
	logDir     string

	// isTransient decides whether a failed job deserves a replacement.
	// Injectable so deployments can widen or narrow the default
	// connection-failure test.
	isTransient func(error) bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config carries the runner's knobs; zero values select defaults.
type Config struct {
	MaxRetries  int
	MaxPerUser  int
	LogDir      string
	IsTransient func(error) bool
	// Events receives DEPLOY_FINISHED, DESTROY_FINISHED and JOB_COMPLETED
	// notifications. Optional.
	Events *cleanup.Service
}

func NewRunner(store storage.Store, pool *agent.Pool, broadcaster *broadcast.Broadcaster,
	sched *scheduler.Scheduler, links *linkmgr.Manager, nodes *reconciler.NodeReconciler, cfg Config) *Runner {

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxPerUser == 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.IsTransient == nil {
		cfg.IsTransient = errdefs.IsRetriable
	}
	return &Runner{
		store:       store,
		pool:        pool,
		broadcaster: broadcaster,
		scheduler:   sched,
		links:       links,
		nodes:       nodes,
		events:      cfg.Events,
		maxRetries:  cfg.MaxRetries,
		maxPerUser:  cfg.MaxPerUser,
		logDir:      cfg.LogDir,
		isTransient: cfg.IsTransient,
		cancels:     make(map[string]context.CancelFunc),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the dispatch and health-monitor loops.
func (r *Runner) Start() {
	r.wg.Add(2)
	go r.dispatchLoop()
	go r.monitorLoop()
}

// Stop cancels running jobs and waits for the loops to exit.
func (r *Runner) Stop() {
	close(r.stopCh)

	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Enqueue creates a job in queued status. The dispatcher picks it up once
// the owning user has capacity.
func (r *Runner) Enqueue(labID, userID, action string) (*types.Job, error) {
	job := &types.Job{
		ID:        uuid.New().String(),
		LabID:     labID,
		UserID:    userID,
		Action:    action,
		Status:    types.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateJob(job); err != nil {
		return nil, err
	}
	r.progress(job, "queued")
	return job, nil
}

// Cancel requests cancellation: queued jobs flip immediately, running
// jobs get their context cancelled and finish cooperatively.
func (r *Runner) Cancel(jobID string) error {
	ok, err := r.store.TransitionJob(jobID, types.JobQueued, types.JobCancelled)
	if err != nil {
		return err
	}
	if ok {
		if job, err := r.store.GetJob(jobID); err == nil {
			r.progress(job, "cancelled")
		}
		return nil
	}

	r.mu.Lock()
	cancel, running := r.cancels[jobID]
	r.mu.Unlock()
	if !running {
		return errdefs.Newf(errdefs.CategoryConflict, "job %s is not cancellable", jobID)
	}
	cancel()
	return nil
}

func (r *Runner) dispatchLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.dispatch()
		case <-r.stopCh:
			return
		}
	}
}

// dispatch promotes queued jobs whose user has capacity.
func (r *Runner) dispatch() {
	queued, err := r.store.ListJobsByStatus(types.JobQueued)
	if err != nil {
		log.WithComponent("jobs").Error().Err(err).Msg("Failed to list queued jobs")
		return
	}
	running, err := r.store.ListJobsByStatus(types.JobRunning)
	if err != nil {
		return
	}
	perUser := make(map[string]int)
	for _, j := range running {
		perUser[j.UserID]++
	}

	for _, job := range queued {
		if perUser[job.UserID] >= r.maxPerUser {
			continue
		}
		ok, err := r.store.TransitionJob(job.ID, types.JobQueued, types.JobRunning)
		if err != nil || !ok {
			continue
		}
		perUser[job.UserID]++

		ctx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.cancels[job.ID] = cancel
		r.mu.Unlock()

		r.wg.Add(1)
		go r.run(ctx, job.ID)
	}
}

func (r *Runner) run(ctx context.Context, jobID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[jobID]; ok {
			cancel()
			delete(r.cancels, jobID)
		}
		r.mu.Unlock()
	}()

	job, err := r.store.GetJob(jobID)
	if err != nil {
		return
	}
	logger := log.WithJob(job.ID)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(ctx, deadlineFor(job.Action))
	defer cancel()

	r.progress(job, "running")
	runErr := r.execute(ctx, job)
	timer.ObserveDurationVec(metrics.JobDuration, actionKind(job.Action))

	// Re-read: the monitor may have failed the job while we ran.
	job, err = r.store.GetJob(jobID)
	if err != nil || job.Terminal() {
		return
	}

	switch {
	case runErr == nil:
		if _, err := r.store.TransitionJob(job.ID, types.JobRunning, types.JobCompleted); err == nil {
			job.Status = types.JobCompleted
			r.progress(job, "completed")
		}

	case ctx.Err() == context.Canceled:
		if _, err := r.store.TransitionJob(job.ID, types.JobRunning, types.JobCancelled); err == nil {
			job.Status = types.JobCancelled
			r.progress(job, "cancelled")
		}

	case ctx.Err() == context.DeadlineExceeded:
		r.fail(job, fmt.Sprintf("deadline exceeded after %s", deadlineFor(job.Action)))

	default:
		r.fail(job, runErr.Error())
		if r.isTransient(runErr) && job.RetryCount < r.maxRetries {
			r.retry(job)
		}
	}

	if runErr != nil {
		logger.Warn().Err(runErr).Str("action", job.Action).Msg("Job finished with error")
	} else {
		logger.Info().Str("action", job.Action).Msg("Job completed")
	}
	r.emit(cleanup.Event{Type: cleanup.EventJobCompleted, LabID: job.LabID})
}

func (r *Runner) fail(job *types.Job, summary string) {
	ok, err := r.store.TransitionJob(job.ID, types.JobRunning, types.JobFailed)
	if err != nil || !ok {
		return
	}
	fresh, err := r.store.GetJob(job.ID)
	if err != nil {
		return
	}
	fresh.ErrorSummary = summary
	if err := r.store.UpdateJob(fresh); err != nil {
		return
	}
	*job = *fresh
	r.progress(job, "failed")
}

// retry enqueues a replacement job carrying an incremented retry count.
func (r *Runner) retry(failed *types.Job) {
	replacement := &types.Job{
		ID:         uuid.New().String(),
		LabID:      failed.LabID,
		UserID:     failed.UserID,
		Action:     failed.Action,
		Status:     types.JobQueued,
		RetryCount: failed.RetryCount + 1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateJob(replacement); err != nil {
		log.WithJob(failed.ID).Error().Err(err).Msg("Failed to enqueue retry")
		return
	}
	metrics.JobRetriesTotal.Inc()
	log.WithJob(failed.ID).Info().
		Str("replacement", replacement.ID).
		Int("retry", replacement.RetryCount).Msg("Enqueued transient-failure retry")
	r.progress(replacement, "queued")
}

func (r *Runner) monitorLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.monitor()
		case <-r.stopCh:
			return
		}
	}
}

// monitor fails running jobs whose owning agent has been offline past the
// stale window.
func (r *Runner) monitor() {
	running, err := r.store.ListJobsByStatus(types.JobRunning)
	if err != nil {
		return
	}
	for _, job := range running {
		if job.AgentID == "" {
			continue
		}
		host, err := r.store.GetHost(job.AgentID)
		if err != nil {
			continue
		}
		if host.Status != types.HostOffline || time.Since(host.LastHeartbeat) < agentStale {
			continue
		}
		r.fail(job, fmt.Sprintf("agent %s offline", job.AgentID))
		r.cancelRunning(job.ID)
	}
}

func (r *Runner) cancelRunning(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[jobID]; ok {
		cancel()
	}
}

// AppendLog attaches output to a job: small messages inline, larger ones
// in a file under the runner's log directory.
func (r *Runner) AppendLog(job *types.Job, text string) error {
	combined := job.LogInline
	if combined != "" {
		combined += "\n"
	}
	combined += text

	if len(combined) <= inlineLogLimit || r.logDir == "" {
		job.LogInline = combined
		return r.store.UpdateJob(job)
	}

	if job.LogPath == "" {
		job.LogPath = filepath.Join(r.logDir, job.ID+".log")
	}
	f, err := os.OpenFile(job.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if job.LogInline != "" {
		if _, err := f.WriteString(job.LogInline + "\n"); err != nil {
			return err
		}
		job.LogInline = ""
	}
	if _, err := f.WriteString(text + "\n"); err != nil {
		return err
	}
	return r.store.UpdateJob(job)
}

func (r *Runner) progress(job *types.Job, stage string) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(job.LabID, broadcast.NewFrame(broadcast.FrameJobProgress, map[string]interface{}{
		"job_id":        job.ID,
		"action":        job.Action,
		"status":        job.Status,
		"stage":         stage,
		"retry_count":   job.RetryCount,
		"error_summary": job.ErrorSummary,
	}))
	metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameJobProgress)).Inc()
}

func deadlineFor(action string) time.Duration {
	switch actionKind(action) {
	case "up":
		return deployDeadline
	case "down", "destroy":
		return destroyDeadline
	case "sync":
		return syncDeadline
	default:
		return nodeActionDeadline
	}
}

// actionKind collapses parameterised actions ("sync:node:<id>",
// "node:<name>:<op>") to their kind.
func actionKind(action string) string {
	if strings.HasPrefix(action, "sync") {
		return "sync"
	}
	if strings.HasPrefix(action, "node:") {
		return "node-action"
	}
	return action
}
