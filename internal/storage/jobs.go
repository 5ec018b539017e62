package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTerminal is returned when a transition targets a job that has already
// reached a terminal state. Terminal states never regress.
var ErrTerminal = errors.New("job already in terminal state")

// CreateJob inserts a new job in the pending state.
func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, topic, state, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?)`,
		job.ID, job.Topic, createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var state string
	var errMsg, reportID sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, topic, state, error, report_id, degraded_vector, degraded_reports, created_at, updated_at
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Topic, &state, &errMsg, &reportID, &j.DegradedVector, &j.DegradedReports, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	j.Error = errMsg.String
	j.ReportID = reportID.String
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// AdvanceJob moves a non-terminal job to the given state. The guard in the
// UPDATE makes the write race-safe against a concurrent terminal
// transition from the watchdog.
func (s *Store) AdvanceJob(id string, to JobState) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`,
		string(to), now, id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(res, id)
}

// CompleteJob transitions a job to completed and records its report id.
// A job is completed if and only if a report was persisted for it.
func (s *Store) CompleteJob(id, reportID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET state = 'completed', report_id = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`,
		reportID, now, id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(res, id)
}

// FailJob transitions a non-terminal job to failed with an error summary.
// The report id stays null.
func (s *Store) FailJob(id, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET state = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`,
		errMsg, now, id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(res, id)
}

// MarkJobDegraded records that the job is running against fallback
// storage. Flags are only ever raised, never cleared.
func (s *Store) MarkJobDegraded(id string, vector, reports bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET
			degraded_vector = degraded_vector OR ?,
			degraded_reports = degraded_reports OR ?,
			updated_at = ?
		WHERE id = ?`,
		vector, reports, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkTransition distinguishes "job missing" from "job already terminal"
// after a guarded state UPDATE affected zero rows.
func (s *Store) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrTerminal
}
