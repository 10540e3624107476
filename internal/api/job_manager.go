// Package api provides HTTP handlers for the AstroView server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/astroview/server/internal/jobstore"
)

// ErrQueueFull is returned by Submit when the job queue cannot accept
// more work. The caller should retry later; no job record survives.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("job manager is stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent histogram jobs (default 1)
	QueueSize     int    // Pending job capacity (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep completed jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager manages cube histogram jobs with SQLite persistence.
// Submissions after Stop fail with ErrStopped; jobs still queued at
// Stop are marked cancelled rather than silently dropped.
type JobManager struct {
	cfg     JobManagerConfig
	store   *jobstore.Store
	queue   chan string // job IDs
	running map[string]context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	stopCh  chan struct{}

	// Executor is called to run the actual histogram computation.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker. Jobs found
// running are failed (the server restarted under them); jobs found
// queued are re-queued.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				jm.store.UpdateJobStatus(job.ID, jobstore.JobStatusFailed, "queue full at restart")
				log.Printf("[JobManager] queue full, failed job %s at restart", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	jm.wg.Add(1)
	go jm.cleaner()
}

// Stop refuses further submissions, cancels every running job, waits
// for the workers, marks the still-queued jobs cancelled, and closes
// the store. Stopping twice is a no-op.
func (jm *JobManager) Stop() {
	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return
	}
	jm.stopped = true
	for id, cancel := range jm.running {
		log.Printf("[JobManager] cancelling running job %s for shutdown", id)
		cancel()
	}
	jm.mu.Unlock()

	close(jm.stopCh)
	jm.wg.Wait()

	// Workers are gone; whatever is left in the queue never ran.
	for {
		select {
		case jobID := <-jm.queue:
			jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "server shutting down")
		default:
			jm.store.Close()
			return
		}
	}
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		case jobID := <-jm.queue:
			jm.runJob(jobID)
		}
	}
}

func (jm *JobManager) runJob(jobID string) {
	// Cancel between Submit and dequeue leaves a terminal row behind.
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "server shutting down")
		return
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	switch {
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "cancelled")
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, execErr.Error())
	default:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) cleaner() {
	defer jm.wg.Done()
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution. A full queue
// leaves no job record and returns ErrQueueFull.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return nil, ErrStopped
	}
	jm.mu.Unlock()

	id := generateJobID()
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
		return job, nil
	default:
		if err := jm.store.DeleteJob(id); err != nil {
			log.Printf("[JobManager] delete overflow job %s: %v", id, err)
		}
		return nil, ErrQueueFull
	}
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a job. Running jobs have their context
// cancelled; queued jobs are marked cancelled and skipped at dequeue.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
