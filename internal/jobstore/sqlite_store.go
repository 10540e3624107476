// Package jobstore provides persistent storage for full-cube histogram
// job state and per-channel results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/stats"
)

// JobStatus represents the current state of a histogram job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// RegionSpec is an inline pixel-coordinate region carried by job
// parameters. Jobs outlive the session that submitted them, so the
// geometry travels with the job instead of referencing a session-scoped
// region id.
type RegionSpec struct {
	Type     string        `json:"type"`
	Points   []coord.Point `json:"points"`
	Rotation float64       `json:"rotation,omitempty"`
}

// JobParams contains the parameters for a histogram job. A nil Region
// means the whole plane; ChannelEnd of -1 means the last channel of the
// cube.
type JobParams struct {
	DatasetID    string      `json:"dataset_id"`
	Region       *RegionSpec `json:"region,omitempty"`
	Stokes       int         `json:"stokes"`
	ChannelStart int         `json:"channel_start"`
	ChannelEnd   int         `json:"channel_end"`
	NumBins      int         `json:"num_bins"`
}

// JobProgress represents how far a job has advanced.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents one full-cube histogram job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ChannelResult is the histogram of one channel.
type ChannelResult struct {
	Channel   int             `json:"channel"`
	Histogram stats.Histogram `json:"histogram"`
}

// Store provides persistent storage for histogram jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based histogram job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hist_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_hist_jobs_dataset ON hist_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_hist_jobs_status ON hist_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_hist_jobs_finished ON hist_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS hist_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		channel INTEGER NOT NULL,
		num_bins INTEGER NOT NULL,
		bin_width REAL NOT NULL,
		first_bin_center REAL NOT NULL,
		min REAL NOT NULL,
		max REAL NOT NULL,
		bins_json TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES hist_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_hist_results_job ON hist_results(job_id);
	CREATE INDEX IF NOT EXISTS idx_hist_results_job_channel ON hist_results(job_id, channel);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO hist_jobs (job_id, dataset_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM hist_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status; terminal statuses also stamp
// the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE hist_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE hist_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE hist_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// InsertResults inserts channel histograms in a batch transaction.
func (s *Store) InsertResults(jobID string, results []*ChannelResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO hist_results (job_id, channel, num_bins, bin_width, first_bin_center, min, max, bins_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		binsJSON, err := json.Marshal(r.Histogram.Bins)
		if err != nil {
			return fmt.Errorf("failed to marshal bins: %w", err)
		}
		_, err = stmt.Exec(
			jobID, r.Channel,
			r.Histogram.NumBins, r.Histogram.BinWidth, r.Histogram.FirstBinCenter,
			r.Histogram.Min, r.Histogram.Max,
			string(binsJSON),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryResults returns channel histograms ordered by channel, with
// pagination, plus the total result count.
func (s *Store) QueryResults(jobID string, offset, limit int) ([]*ChannelResult, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM hist_results WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT channel, num_bins, bin_width, first_bin_center, min, max, bins_json
		FROM hist_results
		WHERE job_id = ?
		ORDER BY channel ASC
		LIMIT ? OFFSET ?
	`, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*ChannelResult
	for rows.Next() {
		var r ChannelResult
		var binsJSON string
		err := rows.Scan(
			&r.Channel,
			&r.Histogram.NumBins, &r.Histogram.BinWidth, &r.Histogram.FirstBinCenter,
			&r.Histogram.Min, &r.Histogram.Max,
			&binsJSON,
		)
		if err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(binsJSON), &r.Histogram.Bins); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal bins: %w", err)
		}
		results = append(results, &r)
	}

	return results, total, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM hist_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM hist_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart
// recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE hist_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM hist_results WHERE job_id IN (
			SELECT job_id FROM hist_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM hist_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM hist_results WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM hist_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
