package repo

import (
	"context"
	"database/sql"

	"stagecraft/internal/domain"
)

// InsertResponse records an answer, superseding any previous current
// response for the same (job, question). History is retained.
func (r Repo) InsertResponse(ctx context.Context, tx *sql.Tx, res domain.Response) error {
	if _, err := tx.ExecContext(ctx, `UPDATE responses SET is_current=0 WHERE job_id=? AND question_id=? AND is_current=1`,
		res.JobID, res.QuestionID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO responses(id,job_id,question_id,raw_value,normalized_value,is_current,submitted_by,submitted_at)
VALUES (?,?,?,?,?,1,?,?)`,
		res.ID, res.JobID, res.QuestionID, res.RawValue, res.NormalizedValue, res.SubmittedBy, res.SubmittedAt)
	return err
}

const responseColumns = `id,job_id,question_id,raw_value,normalized_value,is_current,submitted_by,submitted_at`

func scanResponse(scan func(dest ...any) error) (domain.Response, error) {
	var res domain.Response
	err := scan(&res.ID, &res.JobID, &res.QuestionID, &res.RawValue, &res.NormalizedValue, &res.IsCurrent, &res.SubmittedBy, &res.SubmittedAt)
	return res, err
}

func (r Repo) GetResponse(ctx context.Context, id string) (domain.Response, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id=?`, id)
	res, err := scanResponse(row.Scan)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

// CurrentResponse returns the one logical current answer for a question.
func (r Repo) CurrentResponse(ctx context.Context, jobID, questionID string) (domain.Response, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE job_id=? AND question_id=? AND is_current=1`, jobID, questionID)
	res, err := scanResponse(row.Scan)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) ListResponses(ctx context.Context, jobID string) ([]domain.Response, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE job_id=? ORDER BY submitted_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Response
	for rows.Next() {
		res, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// --- audit entries ---

// InsertAuditEntry appends to the transition audit trail. Entries are never
// updated or deleted through the engine.
func (r Repo) InsertAuditEntry(ctx context.Context, tx *sql.Tx, a domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(id,job_id,from_stage_id,to_stage_id,triggering_response_id,applied_automatically,applied_by,applied_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.JobID, a.FromStageID, a.ToStageID, nullableStringPtr(a.TriggeringResponseID), a.AppliedAutomatically, a.AppliedBy, a.AppliedAt)
	return err
}

func (r Repo) ListAuditEntries(ctx context.Context, jobID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,from_stage_id,to_stage_id,triggering_response_id,applied_automatically,applied_by,applied_at
FROM audit_entries WHERE job_id=? ORDER BY applied_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var responseID sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.FromStageID, &a.ToStageID, &responseID, &a.AppliedAutomatically, &a.AppliedBy, &a.AppliedAt); err != nil {
			return nil, err
		}
		if responseID.Valid {
			a.TriggeringResponseID = &responseID.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAuditEntries is used by tests and provisioning diagnostics.
func (r Repo) CountAuditEntries(ctx context.Context, jobID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_entries WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}
