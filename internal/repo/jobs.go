package repo

import (
	"context"
	"database/sql"

	"stagecraft/internal/domain"
)

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,company_id,title,status,created_at) VALUES (?,?,?,?,?)`,
		j.ID, j.CompanyID, j.Title, nullable(j.Status), j.CreatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var j domain.Job
	var status sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,company_id,title,status,created_at FROM jobs WHERE id=?`, id).
		Scan(&j.ID, &j.CompanyID, &j.Title, &status, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if status.Valid {
		j.Status = status.String
	}
	return j, err
}

func (r Repo) ListJobs(ctx context.Context, companyID string) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,company_id,title,status,created_at FROM jobs WHERE company_id=? ORDER BY created_at DESC, id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var status sql.NullString
		if err := rows.Scan(&j.ID, &j.CompanyID, &j.Title, &status, &j.CreatedAt); err != nil {
			return nil, err
		}
		if status.Valid {
			j.Status = status.String
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) InsertJobState(ctx context.Context, tx *sql.Tx, s domain.JobState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_stage_state(job_id,current_stage_id,stage_entered_at) VALUES (?,?,?)`,
		s.JobID, s.CurrentStageID, s.StageEnteredAt)
	return err
}

func (r Repo) GetJobState(ctx context.Context, jobID string) (domain.JobState, error) {
	var s domain.JobState
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,current_stage_id,stage_entered_at FROM job_stage_state WHERE job_id=?`, jobID).
		Scan(&s.JobID, &s.CurrentStageID, &s.StageEnteredAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetJobStateTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.JobState, error) {
	var s domain.JobState
	err := tx.QueryRowContext(ctx, `SELECT job_id,current_stage_id,stage_entered_at FROM job_stage_state WHERE job_id=?`, jobID).
		Scan(&s.JobID, &s.CurrentStageID, &s.StageEnteredAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// MoveJobState advances the job pointer with optimistic concurrency: the
// update is conditioned on the stage observed at decision time. Zero rows
// affected means another writer moved the job first.
func (r Repo) MoveJobState(ctx context.Context, tx *sql.Tx, jobID, observedStageID, toStageID, enteredAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE job_stage_state SET current_stage_id=?, stage_entered_at=? WHERE job_id=? AND current_stage_id=?`,
		toStageID, enteredAt, jobID, observedStageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// --- pending transitions ---

func (r Repo) InsertPendingTransition(ctx context.Context, tx *sql.Tx, p domain.PendingTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pending_transitions(id,job_id,rule_id,from_stage_id,to_stage_id,response_id,requested_by,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.JobID, p.RuleID, p.FromStageID, p.ToStageID, nullableStringPtr(p.ResponseID), p.RequestedBy, p.Status, p.CreatedAt)
	return err
}

func scanPending(scan func(dest ...any) error) (domain.PendingTransition, error) {
	var p domain.PendingTransition
	var responseID, resolvedBy, resolvedAt sql.NullString
	err := scan(&p.ID, &p.JobID, &p.RuleID, &p.FromStageID, &p.ToStageID, &responseID, &p.RequestedBy, &p.Status, &p.CreatedAt, &resolvedBy, &resolvedAt)
	if err != nil {
		return p, err
	}
	if responseID.Valid {
		p.ResponseID = &responseID.String
	}
	if resolvedBy.Valid {
		p.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	return p, nil
}

const pendingColumns = `id,job_id,rule_id,from_stage_id,to_stage_id,response_id,requested_by,status,created_at,resolved_by,resolved_at`

func (r Repo) GetPendingTransition(ctx context.Context, id string) (domain.PendingTransition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_transitions WHERE id=?`, id)
	p, err := scanPending(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPendingTransitions(ctx context.Context, jobID string) ([]domain.PendingTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_transitions WHERE job_id=? AND status='pending' ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingTransition
	for rows.Next() {
		p, err := scanPending(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ResolvePendingTransition marks a pending row approved or rejected; only
// rows still pending can be resolved.
func (r Repo) ResolvePendingTransition(ctx context.Context, tx *sql.Tx, id, status, resolvedBy, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pending_transitions SET status=?, resolved_by=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, resolvedBy, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
