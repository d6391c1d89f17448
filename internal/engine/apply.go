package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagecraft/internal/domain"
	"stagecraft/internal/engine/eval"
	"stagecraft/internal/events"
	"stagecraft/internal/repo"
)

// Apply statuses.
const (
	ApplyStatusApplied = "applied"
	ApplyStatusPending = "pending"
	ApplyStatusNoMatch = "no_match"
	ApplyStatusNoop    = "noop"
)

// ApplyResult is the outcome of pushing a decision through the job state
// machine. Exactly one of Pending and Audit is set for pending/applied.
type ApplyResult struct {
	Status   string                    `json:"status" enum:"applied,pending,no_match,noop"`
	State    domain.JobState           `json:"state"`
	Pending  *domain.PendingTransition `json:"pending,omitempty"`
	Audit    *domain.AuditEntry        `json:"audit,omitempty"`
	Decision eval.Decision             `json:"-"`
}

// ApplyDecision moves a job along a matched decision, or parks it as a
// pending transition when the rule demands an admin and the actor is not one.
// Re-applying a decision the job has already taken is a noop: no second
// audit entry, no error.
func (e Engine) ApplyDecision(ctx context.Context, jobID string, d eval.Decision, responseID string, actor domain.Actor) (ApplyResult, error) {
	out := ApplyResult{Decision: d}
	state, err := e.Repo.GetJobState(ctx, jobID)
	if err != nil {
		return out, fmt.Errorf("job state %s: %w", jobID, err)
	}
	out.State = state
	if d.Outcome != eval.Matched {
		out.Status = ApplyStatusNoMatch
		return out, nil
	}

	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return out, err
	}
	target, err := e.Repo.GetStage(ctx, d.ToStageID)
	if err != nil {
		return out, fmt.Errorf("target stage %s: %w", d.ToStageID, err)
	}
	if target.CompanyID != job.CompanyID {
		return out, CrossTenantError{Kind: "stage", ID: target.ID, WantedComp: job.CompanyID, GotComp: target.CompanyID}
	}
	if state.CurrentStageID == d.ToStageID {
		out.Status = ApplyStatusNoop
		return out, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if d.RequiresOverride && !actor.Admin {
		p := domain.PendingTransition{
			ID:          uuid.New().String(),
			JobID:       jobID,
			RuleID:      d.RuleID,
			FromStageID: d.FromStageID,
			ToStageID:   d.ToStageID,
			RequestedBy: actor.ID,
			Status:      domain.PendingStatusPending,
			CreatedAt:   now,
		}
		if responseID != "" {
			p.ResponseID = &responseID
		}
		if err := e.Repo.InsertPendingTransition(ctx, tx, p); err != nil {
			return out, err
		}
		if err := e.Events.Append(ctx, tx, "transition.pending", job.CompanyID, "pending_transition", p.ID, actor.ID, events.EventPayload{
			"job_id": jobID, "rule_id": d.RuleID, "to_stage_id": d.ToStageID,
		}); err != nil {
			return out, err
		}
		if err := tx.Commit(); err != nil {
			return out, err
		}
		out.Status = ApplyStatusPending
		out.Pending = &p
		return out, nil
	}

	appliedBy := actor.ID
	if d.Automatic && appliedBy == "" {
		appliedBy = domain.SystemActor
	}
	audit, err := e.transition(ctx, tx, job, state, d, responseID, d.Automatic, appliedBy, now)
	if err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	out.Status = ApplyStatusApplied
	out.Audit = &audit
	out.State = domain.JobState{JobID: jobID, CurrentStageID: d.ToStageID, StageEnteredAt: now}
	return out, nil
}

// transition performs the CAS move plus audit and event rows inside tx.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, job domain.Job, state domain.JobState, d eval.Decision, responseID string, automatic bool, appliedBy, now string) (domain.AuditEntry, error) {
	if err := e.Repo.MoveJobState(ctx, tx, job.ID, state.CurrentStageID, d.ToStageID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.AuditEntry{}, fmt.Errorf("job %s moved since evaluation: %w", job.ID, err)
		}
		return domain.AuditEntry{}, err
	}
	a := domain.AuditEntry{
		ID:                   uuid.New().String(),
		JobID:                job.ID,
		FromStageID:          state.CurrentStageID,
		ToStageID:            d.ToStageID,
		AppliedAutomatically: automatic,
		AppliedBy:            appliedBy,
		AppliedAt:            now,
	}
	if responseID != "" {
		a.TriggeringResponseID = &responseID
	}
	if err := e.Repo.InsertAuditEntry(ctx, tx, a); err != nil {
		return domain.AuditEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.transitioned", job.CompanyID, "job", job.ID, appliedBy, events.EventPayload{
		"from_stage_id": state.CurrentStageID,
		"to_stage_id":   d.ToStageID,
		"rule_id":       d.RuleID,
		"automatic":     automatic,
	}); err != nil {
		return domain.AuditEntry{}, err
	}
	return a, nil
}

// SubmitAndEvaluate is the main ingestion entry point: record the answer,
// evaluate the current stage's rules against it, and apply whatever the
// decision allows. The response row survives even when evaluation yields
// NoMatch or the apply step is parked for approval.
func (e Engine) SubmitAndEvaluate(ctx context.Context, jobID, questionID, rawValue string, actor domain.Actor) (domain.Response, ApplyResult, error) {
	res, err := e.SubmitResponse(ctx, jobID, questionID, rawValue, actor)
	if err != nil {
		return domain.Response{}, ApplyResult{}, err
	}
	d, err := e.Evaluate(ctx, jobID, questionID, res.NormalizedValue)
	if err != nil {
		return res, ApplyResult{}, err
	}
	out, err := e.ApplyDecision(ctx, jobID, d, res.ID, actor)
	return res, out, err
}

// ApprovePendingTransition lets an admin confirm a parked transition. The job
// must still sit on the pending row's from stage; if it moved in the
// meantime the approval fails with a conflict and the row stays pending.
// Approving a row whose job already reached the target resolves the row
// without a second audit entry.
func (e Engine) ApprovePendingTransition(ctx context.Context, pendingID string, actor domain.Actor) (ApplyResult, error) {
	if !actor.Admin {
		return ApplyResult{}, AdminRequiredError{Operation: "approve transition"}
	}
	p, err := e.Repo.GetPendingTransition(ctx, pendingID)
	if err != nil {
		return ApplyResult{}, err
	}
	if p.Status != domain.PendingStatusPending {
		return ApplyResult{}, fmt.Errorf("pending transition %s already %s: %w", pendingID, p.Status, repo.ErrConflict)
	}
	job, err := e.Repo.GetJob(ctx, p.JobID)
	if err != nil {
		return ApplyResult{}, err
	}
	state, err := e.Repo.GetJobState(ctx, p.JobID)
	if err != nil {
		return ApplyResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()

	out := ApplyResult{State: state}
	if state.CurrentStageID == p.ToStageID {
		out.Status = ApplyStatusNoop
	} else {
		if state.CurrentStageID != p.FromStageID {
			return ApplyResult{}, fmt.Errorf("job %s moved from %s to %s since request: %w", p.JobID, p.FromStageID, state.CurrentStageID, repo.ErrConflict)
		}
		d := eval.Decision{Outcome: eval.Matched, RuleID: p.RuleID, FromStageID: p.FromStageID, ToStageID: p.ToStageID}
		responseID := ""
		if p.ResponseID != nil {
			responseID = *p.ResponseID
		}
		audit, err := e.transition(ctx, tx, job, state, d, responseID, false, actor.ID, now)
		if err != nil {
			return ApplyResult{}, err
		}
		out.Status = ApplyStatusApplied
		out.Audit = &audit
		out.State = domain.JobState{JobID: p.JobID, CurrentStageID: p.ToStageID, StageEnteredAt: now}
	}
	if err := e.Repo.ResolvePendingTransition(ctx, tx, pendingID, domain.PendingStatusApproved, actor.ID, now); err != nil {
		return ApplyResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "transition.approved", job.CompanyID, "pending_transition", pendingID, actor.ID, events.EventPayload{
		"job_id": p.JobID,
	}); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, err
	}
	pCopy := p
	pCopy.Status = domain.PendingStatusApproved
	pCopy.ResolvedBy = &actor.ID
	pCopy.ResolvedAt = &now
	out.Pending = &pCopy
	return out, nil
}

// RejectPendingTransition resolves a parked transition without moving the job.
func (e Engine) RejectPendingTransition(ctx context.Context, pendingID string, actor domain.Actor) (domain.PendingTransition, error) {
	if !actor.Admin {
		return domain.PendingTransition{}, AdminRequiredError{Operation: "reject transition"}
	}
	p, err := e.Repo.GetPendingTransition(ctx, pendingID)
	if err != nil {
		return domain.PendingTransition{}, err
	}
	job, err := e.Repo.GetJob(ctx, p.JobID)
	if err != nil {
		return domain.PendingTransition{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingTransition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolvePendingTransition(ctx, tx, pendingID, domain.PendingStatusRejected, actor.ID, now); err != nil {
		return domain.PendingTransition{}, err
	}
	if err := e.Events.Append(ctx, tx, "transition.rejected", job.CompanyID, "pending_transition", pendingID, actor.ID, events.EventPayload{
		"job_id": p.JobID,
	}); err != nil {
		return domain.PendingTransition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingTransition{}, err
	}
	p.Status = domain.PendingStatusRejected
	p.ResolvedBy = &actor.ID
	p.ResolvedAt = &now
	return p, nil
}
