package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lokalshop/engine/internal/models"
)

// JobRepository persists VideoJob snapshots so status queries survive a
// process restart. One row per video id, overwritten on every transition.
type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Save(ctx context.Context, job *models.VideoJob) error {
	var resultJSON []byte
	if job.Result != nil {
		var err error
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		INSERT OR REPLACE INTO video_jobs (
			id, source_ref, status, progress_percent, current_stage,
			degraded, error, result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn.ExecContext(ctx, query,
		job.ID,
		job.SourceRef,
		string(job.Status),
		job.ProgressPercent,
		job.CurrentStage,
		job.Degraded,
		job.Error,
		string(resultJSON),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.VideoJob, error) {
	query := `
		SELECT id, source_ref, status, progress_percent, current_stage,
			   degraded, error, result, created_at, updated_at
		FROM video_jobs
		WHERE id = ?`

	job := &models.VideoJob{}
	var status, resultJSON string
	var errText sql.NullString

	err := r.db.conn.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.SourceRef,
		&status,
		&job.ProgressPercent,
		&job.CurrentStage,
		&job.Degraded,
		&errText,
		&resultJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.Error = errText.String
	if resultJSON != "" {
		var result models.JobResult
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		job.Result = &result
	}

	return job, nil
}

func (r *JobRepository) List(ctx context.Context, limit int) ([]*models.VideoJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, status, progress_percent, current_stage, degraded, created_at, updated_at
		FROM video_jobs
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := r.db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.VideoJob
	for rows.Next() {
		job := &models.VideoJob{}
		var status string
		if err := rows.Scan(&job.ID, &status, &job.ProgressPercent,
			&job.CurrentStage, &job.Degraded, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = models.JobStatus(status)
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}
