package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func (s *sqliteStore) CreateJob(ctx context.Context, jobType, command, workingDirectory string, branchID *string) (Job, error) {
	now := time.Now()
	j := Job{
		JobID:            uuid.NewString(),
		Type:             jobType,
		Command:          command,
		WorkingDirectory: workingDirectory,
		BranchID:         branchID,
		Status:           JobQueued,
		CreatedAt:        now.UTC().Truncate(time.Second),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO jobs(id, branch_id, job_type, command, working_directory, status, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.BranchID, j.Type, j.Command, j.WorkingDirectory, j.Status, now.Unix())
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func scanJob(scanner interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var branch sql.NullString
	var created int64
	var finished sql.NullInt64
	if err := scanner.Scan(&j.JobID, &branch, &j.Type, &j.Command, &j.WorkingDirectory,
		&j.Status, &j.Output, &j.Error, &created, &finished); err != nil {
		return Job{}, err
	}
	if branch.Valid {
		j.BranchID = &branch.String
	}
	j.CreatedAt = time.Unix(created, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		j.CompletedAt = &t
	}
	return j, nil
}

const jobColumns = `id, branch_id, job_type, command, working_directory, status, output, error, created_at, finished_at`

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns recent jobs newest first. An empty branchID lists jobs
// across all branches, including unattached ones.
func (s *sqliteStore) ListJobs(ctx context.Context, branchID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if branchID != "" {
		q += ` WHERE branch_id = ?`
		args = append(args, branchID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkJobRunning(ctx context.Context, jobID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		JobRunning, time.Now().Unix(), jobID, JobQueued)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob records the terminal status with whatever output was
// captured. It overwrites unconditionally so cancellation wins even when
// the process exits first.
func (s *sqliteStore) CompleteJob(ctx context.Context, jobID, status, output, errMsg string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, output, errMsg, time.Now().Unix(), jobID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
