package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = "id, job_type, status, current_stage, priority, fingerprint, inputs_json, config_json, batch_id, parent_job_id, forked_from_stage, version, next_run_at, resume_token, blocked_reason, error_message, failed_stage, last_heartbeat, created_at, updated_at, completed_at"

func scanJob(row scanner) (*Job, error) {
	var (
		job           Job
		status        string
		inputs        string
		cfg           string
		batchID       sql.NullString
		parentJobID   sql.NullString
		forkedFrom    sql.NullString
		nextRunAt     sql.NullString
		resumeToken   sql.NullString
		blockedReason sql.NullString
		errorMessage  sql.NullString
		failedStage   sql.NullString
		lastHeartbeat sql.NullString
		createdAt     sql.NullString
		updatedAt     sql.NullString
		completedAt   sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&status,
		&job.CurrentStage,
		&job.Priority,
		&job.Fingerprint,
		&inputs,
		&cfg,
		&batchID,
		&parentJobID,
		&forkedFrom,
		&job.Version,
		&nextRunAt,
		&resumeToken,
		&blockedReason,
		&errorMessage,
		&failedStage,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.Inputs = []byte(inputs)
	job.Config = []byte(cfg)
	job.BatchID = batchID.String
	job.ParentJobID = parentJobID.String
	job.ForkedFromStage = forkedFrom.String
	job.NextRunAt = parseTimePtr(nextRunAt)
	job.ResumeToken = resumeToken.String
	job.BlockedReason = blockedReason.String
	job.ErrorMessage = errorMessage.String
	job.FailedStage = failedStage.String
	job.LastHeartbeat = parseTimePtr(lastHeartbeat)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	return &job, nil
}

func (q queries) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// InsertJob persists a new job. Version starts at 1.
func (q queries) InsertJob(ctx context.Context, job *Job) error {
	ts := now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = ts
	}
	job.UpdatedAt = ts
	job.Version = 1
	_, err := q.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (`+makePlaceholders(21)+`)`,
		job.ID,
		job.JobType,
		string(job.Status),
		job.CurrentStage,
		job.Priority,
		job.Fingerprint,
		rawJSON(job.Inputs),
		rawJSON(job.Config),
		nullableString(job.BatchID),
		nullableString(job.ParentJobID),
		nullableString(job.ForkedFromStage),
		job.Version,
		nullableTime(job.NextRunAt),
		nullableString(job.ResumeToken),
		nullableString(job.BlockedReason),
		nullableString(job.ErrorMessage),
		nullableString(job.FailedStage),
		nullableTime(job.LastHeartbeat),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (q queries) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes every mutable job column if the stored version still
// equals job.Version, then increments job.Version. Returns ErrVersionConflict
// otherwise.
func (q queries) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = now()
	res, err := q.exec(ctx,
		`UPDATE jobs SET status = ?, current_stage = ?, priority = ?, batch_id = ?, version = version + 1,
            next_run_at = ?, resume_token = ?, blocked_reason = ?, error_message = ?, failed_stage = ?,
            last_heartbeat = ?, updated_at = ?, completed_at = ?
         WHERE id = ? AND version = ?`,
		string(job.Status),
		job.CurrentStage,
		job.Priority,
		nullableString(job.BatchID),
		nullableTime(job.NextRunAt),
		nullableString(job.ResumeToken),
		nullableString(job.BlockedReason),
		nullableString(job.ErrorMessage),
		nullableString(job.FailedStage),
		nullableTime(job.LastHeartbeat),
		formatTime(job.UpdatedAt),
		nullableTime(job.CompletedAt),
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s at version %d: %w", job.ID, job.Version, ErrVersionConflict)
	}
	job.Version++
	return nil
}

// ListJobs returns jobs matching filter, newest first.
func (q queries) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.JobType != "" {
		clauses = append(clauses, "job_type = ?")
		args = append(args, filter.JobType)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	jobs, err := q.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ReadyJobs returns pending jobs whose retry delay has elapsed and whose batch
// (if any) is dispatchable, ordered by priority descending then FIFO.
func (q queries) ReadyJobs(ctx context.Context, at time.Time, limit int, exclude []string) ([]*Job, error) {
	query := `SELECT ` + prefixed("j", jobColumns) + ` FROM jobs j
        LEFT JOIN batches b ON b.id = j.batch_id
        WHERE j.status = ?
          AND (j.next_run_at IS NULL OR j.next_run_at <= ?)
          AND (b.id IS NULL OR b.status IN (?, ?))`
	args := []any{string(JobPending), formatTime(at), string(BatchLocked), string(BatchProcessing)}
	if len(exclude) > 0 {
		query += " AND j.id NOT IN (" + makePlaceholders(len(exclude)) + ")"
		args = append(args, stringArgs(exclude)...)
	}
	query += " ORDER BY j.priority DESC, j.created_at ASC, j.id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	jobs, err := q.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ready jobs: %w", err)
	}
	return jobs, nil
}

// RunningJobs returns every job in stage_running.
func (q queries) RunningJobs(ctx context.Context) ([]*Job, error) {
	jobs, err := q.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, string(JobStageRunning))
	if err != nil {
		return nil, fmt.Errorf("running jobs: %w", err)
	}
	return jobs, nil
}

// StaleRunningJobs returns in-process running jobs (no resume token) whose
// heartbeat is older than cutoff.
func (q queries) StaleRunningJobs(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	jobs, err := q.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND resume_token IS NULL
           AND (last_heartbeat IS NULL OR last_heartbeat < ?)
         ORDER BY created_at`,
		string(JobStageRunning), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale running jobs: %w", err)
	}
	return jobs, nil
}

// JobByResumeToken resolves a parked job from its resumption token.
func (q queries) JobByResumeToken(ctx context.Context, token string) (*Job, error) {
	row := q.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE resume_token = ?`, token)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by resume token: %w", err)
	}
	return job, nil
}

// UpdateHeartbeat refreshes last_heartbeat without bumping the job version.
func (q queries) UpdateHeartbeat(ctx context.Context, id string) error {
	if _, err := q.exec(ctx, `UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		formatTime(now()), id, string(JobStageRunning)); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// JobStatusCounts returns the number of jobs per status.
func (q queries) JobStatusCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job status counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// DeleteJob removes a job; artifacts, stages, checkpoints and invalidation
// events cascade, batch items keep their row with a cleared job reference.
func (q queries) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// PurgeJobs deletes terminal jobs last updated before cutoff.
func (q queries) PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(JobCompleted), string(JobFailed), string(JobCancelled), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

const jobStageColumns = "job_id, stage_name, ordinal, state, attempt, in_flight, failures, rejections, last_error, started_at, finished_at"

func scanJobStage(row scanner) (*JobStage, error) {
	var (
		stage      JobStage
		state      string
		inFlight   int
		lastError  sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	if err := row.Scan(&stage.JobID, &stage.StageName, &stage.Ordinal, &state, &stage.Attempt, &inFlight,
		&stage.Failures, &stage.Rejections, &lastError, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	stage.State = StageState(state)
	stage.InFlight = inFlight != 0
	stage.LastError = lastError.String
	stage.StartedAt = parseTimePtr(startedAt)
	stage.FinishedAt = parseTimePtr(finishedAt)
	return &stage, nil
}

// InsertJobStages creates the per-stage records of a new job.
func (q queries) InsertJobStages(ctx context.Context, stages []*JobStage) error {
	for _, stage := range stages {
		if _, err := q.exec(ctx,
			`INSERT INTO job_stages (`+jobStageColumns+`) VALUES (`+makePlaceholders(11)+`)`,
			stage.JobID, stage.StageName, stage.Ordinal, string(stage.State), stage.Attempt,
			boolToInt(stage.InFlight), stage.Failures, stage.Rejections, nullableString(stage.LastError),
			nullableTime(stage.StartedAt), nullableTime(stage.FinishedAt),
		); err != nil {
			return fmt.Errorf("insert job stage %s: %w", stage.StageName, err)
		}
	}
	return nil
}

// GetJobStage fetches the record of one stage of a job.
func (q queries) GetJobStage(ctx context.Context, jobID, stageName string) (*JobStage, error) {
	row := q.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+jobStageColumns+` FROM job_stages WHERE job_id = ? AND stage_name = ?`, jobID, stageName)
	stage, err := scanJobStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job stage: %w", err)
	}
	return stage, nil
}

// ListJobStages returns a job's stage records in ordinal order.
func (q queries) ListJobStages(ctx context.Context, jobID string) ([]*JobStage, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx),
		`SELECT `+jobStageColumns+` FROM job_stages WHERE job_id = ? ORDER BY ordinal`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job stages: %w", err)
	}
	defer rows.Close()
	var stages []*JobStage
	for rows.Next() {
		stage, err := scanJobStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// UpdateJobStage overwrites the mutable columns of a stage record. Callers
// hold the owning job's version lock (same transaction as UpdateJob).
func (q queries) UpdateJobStage(ctx context.Context, stage *JobStage) error {
	_, err := q.exec(ctx,
		`UPDATE job_stages SET state = ?, attempt = ?, in_flight = ?, failures = ?, rejections = ?,
            last_error = ?, started_at = ?, finished_at = ?
         WHERE job_id = ? AND stage_name = ?`,
		string(stage.State), stage.Attempt, boolToInt(stage.InFlight), stage.Failures, stage.Rejections,
		nullableString(stage.LastError), nullableTime(stage.StartedAt), nullableTime(stage.FinishedAt),
		stage.JobID, stage.StageName,
	)
	if err != nil {
		return fmt.Errorf("update job stage: %w", err)
	}
	return nil
}
