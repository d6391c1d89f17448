package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stagecraft/internal/domain"
)

// Stage graph store: tenant-scoped CRUD over stages, questions and
// transition rules. All reads filter by company, directly or through the
// owning stage; there is no global stage.

const stageColumns = `id,company_id,name,sequence_order,stage_type,COALESCE(maps_to_status,''),COALESCE(color,''),min_duration_hours,max_duration_hours,requires_approval,archived,created_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	var minDur, maxDur sql.NullInt64
	err := scan(&s.ID, &s.CompanyID, &s.Name, &s.SequenceOrder, &s.StageType, &s.MapsToStatus, &s.Color,
		&minDur, &maxDur, &s.RequiresApproval, &s.Archived, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if minDur.Valid {
		v := int(minDur.Int64)
		s.MinDurationHours = &v
	}
	if maxDur.Valid {
		v := int(maxDur.Int64)
		s.MaxDurationHours = &v
	}
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	if s.CompanyID == "" {
		return errors.New("company_id required")
	}
	if s.SequenceOrder < 1 {
		return fmt.Errorf("sequence_order must be >= 1, got %d", s.SequenceOrder)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO stages(id,company_id,name,sequence_order,stage_type,maps_to_status,color,min_duration_hours,max_duration_hours,requires_approval,archived,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CompanyID, s.Name, s.SequenceOrder, s.StageType, nullable(s.MapsToStatus), nullable(s.Color),
		nullableIntPtr(s.MinDurationHours), nullableIntPtr(s.MaxDurationHours), s.RequiresApproval, s.Archived, s.CreatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	s, err := scanStage(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListStages returns a company's active stages ordered by sequence_order.
func (r Repo) ListStages(ctx context.Context, companyID string) ([]domain.Stage, error) {
	return r.listStages(ctx, companyID, false)
}

// ListStagesIncludingArchived also returns stages detached from the active
// graph, still resolvable from historical audit entries.
func (r Repo) ListStagesIncludingArchived(ctx context.Context, companyID string) ([]domain.Stage, error) {
	return r.listStages(ctx, companyID, true)
}

func (r Repo) listStages(ctx context.Context, companyID string, includeArchived bool) ([]domain.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE company_id=?`
	if !includeArchived {
		query += ` AND archived=0`
	}
	query += ` ORDER BY sequence_order ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LowestStage returns the active stage with the smallest sequence_order,
// the entry point for newly created jobs.
func (r Repo) LowestStage(ctx context.Context, companyID string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE company_id=? AND archived=0 ORDER BY sequence_order ASC, id ASC LIMIT 1`, companyID)
	s, err := scanStage(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// StageUpdate carries the mutable stage fields. CompanyID is immutable and
// deliberately absent.
type StageUpdate struct {
	Name             *string
	SequenceOrder    *int
	StageType        *string
	MapsToStatus     *string
	Color            *string
	MinDurationHours *int
	MaxDurationHours *int
	RequiresApproval *bool
}

func (r Repo) UpdateStage(ctx context.Context, id string, u StageUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.SequenceOrder != nil {
		if *u.SequenceOrder < 1 {
			return fmt.Errorf("sequence_order must be >= 1, got %d", *u.SequenceOrder)
		}
		fields = append(fields, "sequence_order=?")
		args = append(args, *u.SequenceOrder)
	}
	if u.StageType != nil {
		fields = append(fields, "stage_type=?")
		args = append(args, *u.StageType)
	}
	if u.MapsToStatus != nil {
		fields = append(fields, "maps_to_status=?")
		args = append(args, nullable(*u.MapsToStatus))
	}
	if u.Color != nil {
		fields = append(fields, "color=?")
		args = append(args, nullable(*u.Color))
	}
	if u.MinDurationHours != nil {
		fields = append(fields, "min_duration_hours=?")
		args = append(args, *u.MinDurationHours)
	}
	if u.MaxDurationHours != nil {
		fields = append(fields, "max_duration_hours=?")
		args = append(args, *u.MaxDurationHours)
	}
	if u.RequiresApproval != nil {
		fields = append(fields, "requires_approval=?")
		args = append(args, *u.RequiresApproval)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE stages SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteStage(ctx context.Context, tx *sql.Tx, id string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ArchiveStage(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET archived=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameStage moves a stage out of the active namespace: new name plus a
// sequence_order offset so the replacement graph can reuse low orders.
func (r Repo) RenameStage(ctx context.Context, id, newName string, orderOffset int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET name=?, sequence_order=sequence_order+? WHERE id=?`, newName, orderOffset, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- questions ---

const questionColumns = `id,stage_id,prompt,response_type,is_required,response_options_json,sequence_order,created_at`

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var options sql.NullString
	err := scan(&q.ID, &q.StageID, &q.Prompt, &q.ResponseType, &q.IsRequired, &options, &q.SequenceOrder, &q.CreatedAt)
	if err != nil {
		return q, err
	}
	if options.Valid && options.String != "" {
		_ = json.Unmarshal([]byte(options.String), &q.ResponseOptions)
	}
	return q, nil
}

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	if q.ResponseType == domain.ResponseTypeMultipleChoice && len(q.ResponseOptions) == 0 {
		return errors.New("multiple_choice question requires response_options")
	}
	if q.ResponseType != domain.ResponseTypeMultipleChoice && len(q.ResponseOptions) > 0 {
		return fmt.Errorf("response_options not allowed for %s question", q.ResponseType)
	}
	var optionsJSON any
	if len(q.ResponseOptions) > 0 {
		b, err := json.Marshal(q.ResponseOptions)
		if err != nil {
			return err
		}
		optionsJSON = string(b)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO questions(id,stage_id,prompt,response_type,is_required,response_options_json,sequence_order,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		q.ID, q.StageID, q.Prompt, q.ResponseType, q.IsRequired, optionsJSON, q.SequenceOrder, q.CreatedAt)
	return err
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=?`, id)
	q, err := scanQuestion(row.Scan)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// ListQuestions returns a stage's questions ordered by sequence_order.
func (r Repo) ListQuestions(ctx context.Context, stageID string) ([]domain.Question, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE stage_id=? ORDER BY sequence_order ASC, id ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// QuestionUpdate carries the mutable question fields. StageID and
// ResponseType are immutable; changing the type would invalidate recorded
// responses.
type QuestionUpdate struct {
	Prompt          *string
	IsRequired      *bool
	ResponseOptions *[]string
	SequenceOrder   *int
}

func (r Repo) UpdateQuestion(ctx context.Context, id string, u QuestionUpdate) error {
	q, err := r.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	var (
		fields []string
		args   []any
	)
	if u.Prompt != nil {
		fields = append(fields, "prompt=?")
		args = append(args, *u.Prompt)
	}
	if u.IsRequired != nil {
		fields = append(fields, "is_required=?")
		args = append(args, *u.IsRequired)
	}
	if u.ResponseOptions != nil {
		opts := *u.ResponseOptions
		if q.ResponseType == domain.ResponseTypeMultipleChoice && len(opts) == 0 {
			return errors.New("multiple_choice question requires response_options")
		}
		if q.ResponseType != domain.ResponseTypeMultipleChoice && len(opts) > 0 {
			return fmt.Errorf("response_options not allowed for %s question", q.ResponseType)
		}
		var optionsJSON any
		if len(opts) > 0 {
			b, err := json.Marshal(opts)
			if err != nil {
				return err
			}
			optionsJSON = string(b)
		}
		fields = append(fields, "response_options_json=?")
		args = append(args, optionsJSON)
	}
	if u.SequenceOrder != nil {
		fields = append(fields, "sequence_order=?")
		args = append(args, *u.SequenceOrder)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE questions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteQuestion(ctx context.Context, tx *sql.Tx, id string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `DELETE FROM questions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- transition rules ---

const ruleColumns = `id,from_stage_id,to_stage_id,question_id,trigger_response,numeric_operator,numeric_value,numeric_value_max,is_automatic,requires_admin_override,created_at`

func scanRule(scan func(dest ...any) error) (domain.TransitionRule, error) {
	var tr domain.TransitionRule
	var trigger, op sql.NullString
	var val, valMax sql.NullFloat64
	err := scan(&tr.ID, &tr.FromStageID, &tr.ToStageID, &tr.QuestionID, &trigger, &op, &val, &valMax,
		&tr.IsAutomatic, &tr.RequiresAdminOverride, &tr.CreatedAt)
	if err != nil {
		return tr, err
	}
	if trigger.Valid {
		tr.TriggerResponse = &trigger.String
	}
	if op.Valid {
		tr.NumericOperator = &op.String
	}
	if val.Valid {
		tr.NumericValue = &val.Float64
	}
	if valMax.Valid {
		tr.NumericValueMax = &valMax.Float64
	}
	return tr, nil
}

// validateRulePredicate holds the write-time rule invariants shared by insert
// and update: no self-transitions, and a coherent predicate.
func validateRulePredicate(tr domain.TransitionRule) error {
	if tr.FromStageID == tr.ToStageID {
		return fmt.Errorf("self-transition rejected: from and to stage are both %s", tr.FromStageID)
	}
	if tr.TriggerResponse == nil && !tr.HasNumericPredicate() {
		return errors.New("rule requires trigger_response or numeric_operator")
	}
	if tr.HasNumericPredicate() {
		if tr.NumericValue == nil {
			return errors.New("numeric_value required with numeric_operator")
		}
		switch *tr.NumericOperator {
		case domain.OperatorBetween, domain.OperatorBetweenExclusive:
			if tr.NumericValueMax == nil {
				return fmt.Errorf("numeric_value_max required for operator %s", *tr.NumericOperator)
			}
		case domain.OperatorEq, domain.OperatorLt, domain.OperatorLte, domain.OperatorGt, domain.OperatorGte:
		default:
			return fmt.Errorf("unknown numeric_operator %s", *tr.NumericOperator)
		}
	}
	return nil
}

// InsertTransitionRule rejects self-transitions and rules whose question does
// not belong to the from stage. The evaluator re-checks the former
// defensively at runtime.
func (r Repo) InsertTransitionRule(ctx context.Context, tx *sql.Tx, tr domain.TransitionRule) error {
	if err := validateRulePredicate(tr); err != nil {
		return err
	}
	query := r.DB.QueryRowContext
	exec := r.DB.ExecContext
	if tx != nil {
		query = tx.QueryRowContext
		exec = tx.ExecContext
	}
	var questionStage string
	err := query(ctx, `SELECT stage_id FROM questions WHERE id=?`, tr.QuestionID).Scan(&questionStage)
	if err == sql.ErrNoRows {
		return fmt.Errorf("question %s: %w", tr.QuestionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if questionStage != tr.FromStageID {
		return fmt.Errorf("question %s belongs to stage %s, not from_stage %s", tr.QuestionID, questionStage, tr.FromStageID)
	}
	_, err = exec(ctx, `INSERT INTO transition_rules(id,from_stage_id,to_stage_id,question_id,trigger_response,numeric_operator,numeric_value,numeric_value_max,is_automatic,requires_admin_override,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		tr.ID, tr.FromStageID, tr.ToStageID, tr.QuestionID, nullableStringPtr(tr.TriggerResponse), nullableStringPtr(tr.NumericOperator),
		nullableFloatPtr(tr.NumericValue), nullableFloatPtr(tr.NumericValueMax), tr.IsAutomatic, tr.RequiresAdminOverride, tr.CreatedAt)
	return err
}

func (r Repo) GetTransitionRule(ctx context.Context, id string) (domain.TransitionRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM transition_rules WHERE id=?`, id)
	tr, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	return tr, err
}

// ListTransitionRules returns the outbound edges of a stage in creation
// order, which is also the evaluator's tie-break order. Rule timestamps use
// the fixed-width domain.TimestampNano layout, so the text comparison is
// chronological; rowid breaks exact ties by insertion order.
func (r Repo) ListTransitionRules(ctx context.Context, fromStageID string) ([]domain.TransitionRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM transition_rules WHERE from_stage_id=? ORDER BY created_at ASC, rowid ASC`, fromStageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRule
	for rows.Next() {
		tr, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// TransitionRuleUpdate carries the mutable rule fields. FromStageID and
// QuestionID are immutable, so the question-belongs-to-from-stage invariant
// checked at insert time cannot be broken by an update.
type TransitionRuleUpdate struct {
	ToStageID             *string
	TriggerResponse       *string
	NumericOperator       *string
	NumericValue          *float64
	NumericValueMax       *float64
	IsAutomatic           *bool
	RequiresAdminOverride *bool
}

// UpdateTransitionRule patches a rule, re-validating the resulting row the
// same way InsertTransitionRule does. Retargeting the edge across companies
// is rejected.
func (r Repo) UpdateTransitionRule(ctx context.Context, id string, u TransitionRuleUpdate) error {
	tr, err := r.GetTransitionRule(ctx, id)
	if err != nil {
		return err
	}
	if u.ToStageID != nil {
		from, err := r.GetStage(ctx, tr.FromStageID)
		if err != nil {
			return err
		}
		to, err := r.GetStage(ctx, *u.ToStageID)
		if err != nil {
			return fmt.Errorf("to_stage: %w", err)
		}
		if to.CompanyID != from.CompanyID {
			return fmt.Errorf("stage %s belongs to company %s, not %s", to.ID, to.CompanyID, from.CompanyID)
		}
		tr.ToStageID = to.ID
	}
	if u.TriggerResponse != nil {
		tr.TriggerResponse = u.TriggerResponse
	}
	if u.NumericOperator != nil {
		tr.NumericOperator = u.NumericOperator
	}
	if u.NumericValue != nil {
		tr.NumericValue = u.NumericValue
	}
	if u.NumericValueMax != nil {
		tr.NumericValueMax = u.NumericValueMax
	}
	if u.IsAutomatic != nil {
		tr.IsAutomatic = *u.IsAutomatic
	}
	if u.RequiresAdminOverride != nil {
		tr.RequiresAdminOverride = *u.RequiresAdminOverride
	}
	if err := validateRulePredicate(tr); err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE transition_rules SET to_stage_id=?, trigger_response=?, numeric_operator=?, numeric_value=?, numeric_value_max=?, is_automatic=?, requires_admin_override=? WHERE id=?`,
		tr.ToStageID, nullableStringPtr(tr.TriggerResponse), nullableStringPtr(tr.NumericOperator),
		nullableFloatPtr(tr.NumericValue), nullableFloatPtr(tr.NumericValueMax), tr.IsAutomatic, tr.RequiresAdminOverride, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTransitionRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM transition_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTransitionRulesForCompany clears every edge in a company's graph.
// Transitions carry no history of their own, so this is always safe.
func (r Repo) DeleteTransitionRulesForCompany(ctx context.Context, companyID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM transition_rules WHERE from_stage_id IN (SELECT id FROM stages WHERE company_id=?)`, companyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteQuestionsForCompany removes all questions in a company's graph in a
// single statement; blocked by responses that reference them.
func (r Repo) DeleteQuestionsForCompany(ctx context.Context, companyID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM questions WHERE stage_id IN (SELECT id FROM stages WHERE company_id=?)`, companyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteStagesForCompany removes all of a company's stages; blocked by audit
// entries, responses or job state that reference them.
func (r Repo) DeleteStagesForCompany(ctx context.Context, companyID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM stages WHERE company_id=?`, companyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ArchiveStagesForCompany marks every active stage archived, preserving all
// history and FK targets.
func (r Repo) ArchiveStagesForCompany(ctx context.Context, companyID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET archived=1 WHERE company_id=? AND archived=0`, companyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StageReferenced reports whether history rows (audit entries, responses, or
// job positions) still point at the stage.
func (r Repo) StageReferenced(ctx context.Context, stageID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM audit_entries WHERE from_stage_id=? OR to_stage_id=?)
    OR EXISTS(SELECT 1 FROM job_stage_state WHERE current_stage_id=?)
    OR EXISTS(SELECT 1 FROM responses res JOIN questions q ON q.id=res.question_id WHERE q.stage_id=?)`,
		stageID, stageID, stageID, stageID)
	var referenced bool
	if err := row.Scan(&referenced); err != nil {
		return false, err
	}
	return referenced, nil
}
