package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagecraft/internal/domain"
	"stagecraft/internal/engine/eval"
	"stagecraft/internal/events"
)

// SubmitResponse validates a raw answer against its question's declared type,
// then records it as the current response for (job, question). The previous
// answer, if any, is superseded but kept. Validation failure persists nothing.
func (e Engine) SubmitResponse(ctx context.Context, jobID, questionID, rawValue string, actor domain.Actor) (domain.Response, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Response{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	question, err := e.Repo.GetQuestion(ctx, questionID)
	if err != nil {
		return domain.Response{}, fmt.Errorf("question %s: %w", questionID, err)
	}
	stage, err := e.Repo.GetStage(ctx, question.StageID)
	if err != nil {
		return domain.Response{}, fmt.Errorf("stage %s: %w", question.StageID, err)
	}
	if stage.CompanyID != job.CompanyID {
		return domain.Response{}, CrossTenantError{Kind: "question", ID: questionID, WantedComp: job.CompanyID, GotComp: stage.CompanyID}
	}

	normalized, err := normalizeValue(question, rawValue)
	if err != nil {
		return domain.Response{}, err
	}

	res := domain.Response{
		ID:              uuid.New().String(),
		JobID:           jobID,
		QuestionID:      questionID,
		RawValue:        rawValue,
		NormalizedValue: normalized,
		IsCurrent:       true,
		SubmittedBy:     actor.ID,
		SubmittedAt:     e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Response{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertResponse(ctx, tx, res); err != nil {
		return domain.Response{}, err
	}
	if err := e.Events.Append(ctx, tx, "response.submitted", job.CompanyID, "response", res.ID, actor.ID, events.EventPayload{
		"job_id":      jobID,
		"question_id": questionID,
	}); err != nil {
		return domain.Response{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Response{}, err
	}
	return res, nil
}

// normalizeValue enforces the question's response type and returns the
// canonical comparison form stored alongside the raw value.
func normalizeValue(q domain.Question, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if q.IsRequired {
			return "", ValidationError{Field: "value", Reason: "required question needs a non-empty answer"}
		}
		return "", nil
	}
	switch q.ResponseType {
	case domain.ResponseTypeYesNo:
		n := eval.Normalize(trimmed)
		if n != "yes" && n != "no" {
			return "", ValidationError{Field: "value", Reason: fmt.Sprintf("%q is not yes or no", raw)}
		}
		return n, nil
	case domain.ResponseTypeNumber:
		v, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return "", ValidationError{Field: "value", Reason: fmt.Sprintf("%q is not a number", raw)}
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case domain.ResponseTypeDate:
		t, err := time.Parse("2006-01-02", trimmed)
		if err != nil {
			return "", ValidationError{Field: "value", Reason: fmt.Sprintf("%q is not a date (want YYYY-MM-DD)", raw)}
		}
		return t.Format("2006-01-02"), nil
	case domain.ResponseTypeMultipleChoice:
		// Options are admin-defined labels and must match verbatim; the
		// evaluator case-folds when comparing against rule triggers.
		for _, opt := range q.ResponseOptions {
			if opt == trimmed {
				return opt, nil
			}
		}
		return "", ValidationError{Field: "value", Reason: fmt.Sprintf("%q is not one of the configured options", raw)}
	case domain.ResponseTypeFileUpload:
		return trimmed, nil
	case domain.ResponseTypeText:
		return eval.Normalize(trimmed), nil
	default:
		return "", ValidationError{Field: "response_type", Reason: fmt.Sprintf("unknown type %q", q.ResponseType)}
	}
}

// Evaluate runs the job's current stage rules for questionID against value
// and returns the decision without applying it.
func (e Engine) Evaluate(ctx context.Context, jobID, questionID, value string) (eval.Decision, error) {
	state, err := e.Repo.GetJobState(ctx, jobID)
	if err != nil {
		return eval.Decision{}, fmt.Errorf("job state %s: %w", jobID, err)
	}
	rules, err := e.Repo.ListTransitionRules(ctx, state.CurrentStageID)
	if err != nil {
		return eval.Decision{}, err
	}
	return eval.Evaluate(state.CurrentStageID, questionID, rules, value), nil
}
