package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagecraft/internal/config"
	"stagecraft/internal/domain"
	"stagecraft/internal/events"
	"stagecraft/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitCompany creates a tenant with migrations already run.
func (e Engine) InitCompany(ctx context.Context, companyID, name, actorID string) (domain.Company, error) {
	if companyID == "" {
		return domain.Company{}, errors.New("company id required")
	}
	if name == "" {
		name = companyID
	}
	c := domain.Company{
		ID:        companyID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Company{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO companies(id,name,status,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Status, c.CreatedAt); err != nil {
		return domain.Company{}, fmt.Errorf("insert company: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "company.created", c.ID, "company", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Company{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Company{}, err
	}
	return c, nil
}

// StageCreateOptions are parameters for adding a stage to a company graph.
type StageCreateOptions struct {
	ID               string
	CompanyID        string
	Name             string
	SequenceOrder    int
	StageType        string
	MapsToStatus     string
	Color            string
	MinDurationHours *int
	MaxDurationHours *int
	RequiresApproval bool
	ActorID          string
}

func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.Stage, error) {
	if opts.CompanyID == "" {
		return domain.Stage{}, errors.New("company is required")
	}
	if opts.Name == "" {
		return domain.Stage{}, errors.New("name is required")
	}
	if opts.SequenceOrder < 1 {
		return domain.Stage{}, ValidationError{Field: "sequence_order", Reason: "must be >= 1"}
	}
	if opts.StageType == "" {
		opts.StageType = domain.StageTypeStandard
	}
	if _, err := e.Repo.GetCompany(ctx, opts.CompanyID); err != nil {
		return domain.Stage{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.Stage{
		ID:               id,
		CompanyID:        opts.CompanyID,
		Name:             opts.Name,
		SequenceOrder:    opts.SequenceOrder,
		StageType:        opts.StageType,
		MapsToStatus:     opts.MapsToStatus,
		Color:            opts.Color,
		MinDurationHours: opts.MinDurationHours,
		MaxDurationHours: opts.MaxDurationHours,
		RequiresApproval: opts.RequiresApproval,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.created", s.CompanyID, "stage", s.ID, opts.ActorID, events.EventPayload{
		"name": s.Name, "sequence_order": s.SequenceOrder,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// DeleteStage removes a stage, cascading through increasingly permissive
// strategies when referential integrity blocks the hard delete:
// delete, then archive, then rename out of the active namespace.
func (e Engine) DeleteStage(ctx context.Context, stageID, actorID string) (string, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return "", err
	}
	referenced, err := e.Repo.StageReferenced(ctx, stageID)
	if err != nil {
		return "", err
	}
	strategy := "deleted"
	if !referenced {
		if err := e.Repo.DeleteStage(ctx, nil, stageID); err != nil {
			if !isConstraintViolation(err) {
				return "", err
			}
			referenced = true
		}
	}
	if referenced {
		strategy = "archived"
		if err := e.Repo.ArchiveStage(ctx, stageID); err != nil {
			strategy = "renamed"
			renamed := fmt.Sprintf("zz-%d--%s", e.now().UTC().Unix(), s.Name)
			if err := e.Repo.RenameStage(ctx, stageID, renamed, renameOrderOffset); err != nil {
				return "", fmt.Errorf("stage %s could not be deleted, archived or renamed: %w", stageID, err)
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return strategy, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "stage.removed", s.CompanyID, "stage", s.ID, actorID, events.EventPayload{"strategy": strategy}); err != nil {
		return strategy, err
	}
	return strategy, tx.Commit()
}

// renameOrderOffset clears renamed stages out of the active sequence range.
const renameOrderOffset = 100000

// QuestionCreateOptions are parameters for attaching a question to a stage.
type QuestionCreateOptions struct {
	ID              string
	StageID         string
	Prompt          string
	ResponseType    string
	IsRequired      bool
	ResponseOptions []string
	SequenceOrder   int
	ActorID         string
}

func (e Engine) CreateQuestion(ctx context.Context, opts QuestionCreateOptions) (domain.Question, error) {
	if opts.Prompt == "" {
		return domain.Question{}, errors.New("prompt is required")
	}
	switch opts.ResponseType {
	case domain.ResponseTypeYesNo, domain.ResponseTypeText, domain.ResponseTypeNumber,
		domain.ResponseTypeDate, domain.ResponseTypeFileUpload, domain.ResponseTypeMultipleChoice:
	default:
		return domain.Question{}, ValidationError{Field: "response_type", Reason: fmt.Sprintf("unknown type %q", opts.ResponseType)}
	}
	stage, err := e.Repo.GetStage(ctx, opts.StageID)
	if err != nil {
		return domain.Question{}, err
	}
	if opts.SequenceOrder < 1 {
		opts.SequenceOrder = 1
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := domain.Question{
		ID:              id,
		StageID:         opts.StageID,
		Prompt:          opts.Prompt,
		ResponseType:    opts.ResponseType,
		IsRequired:      opts.IsRequired,
		ResponseOptions: opts.ResponseOptions,
		SequenceOrder:   opts.SequenceOrder,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Question{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
		return domain.Question{}, err
	}
	if err := e.Events.Append(ctx, tx, "question.created", stage.CompanyID, "question", q.ID, opts.ActorID, events.EventPayload{
		"stage_id": q.StageID, "response_type": q.ResponseType,
	}); err != nil {
		return domain.Question{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

// RuleCreateOptions are parameters for adding a conditional edge.
type RuleCreateOptions struct {
	ID                    string
	FromStageID           string
	ToStageID             string
	QuestionID            string
	TriggerResponse       *string
	NumericOperator       *string
	NumericValue          *float64
	NumericValueMax       *float64
	IsAutomatic           bool
	RequiresAdminOverride bool
	ActorID               string
}

func (e Engine) CreateTransitionRule(ctx context.Context, opts RuleCreateOptions) (domain.TransitionRule, error) {
	from, err := e.Repo.GetStage(ctx, opts.FromStageID)
	if err != nil {
		return domain.TransitionRule{}, fmt.Errorf("from_stage: %w", err)
	}
	to, err := e.Repo.GetStage(ctx, opts.ToStageID)
	if err != nil {
		return domain.TransitionRule{}, fmt.Errorf("to_stage: %w", err)
	}
	if from.CompanyID != to.CompanyID {
		return domain.TransitionRule{}, CrossTenantError{Kind: "stage", ID: to.ID, WantedComp: from.CompanyID, GotComp: to.CompanyID}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tr := domain.TransitionRule{
		ID:                    id,
		FromStageID:           opts.FromStageID,
		ToStageID:             opts.ToStageID,
		QuestionID:            opts.QuestionID,
		TriggerResponse:       opts.TriggerResponse,
		NumericOperator:       opts.NumericOperator,
		NumericValue:          opts.NumericValue,
		NumericValueMax:       opts.NumericValueMax,
		IsAutomatic:           opts.IsAutomatic,
		RequiresAdminOverride: opts.RequiresAdminOverride,
		CreatedAt:             e.now().UTC().Format(domain.TimestampNano),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTransitionRule(ctx, tx, tr); err != nil {
		return domain.TransitionRule{}, err
	}
	if err := e.Events.Append(ctx, tx, "rule.created", from.CompanyID, "transition_rule", tr.ID, opts.ActorID, events.EventPayload{
		"from_stage_id": tr.FromStageID, "to_stage_id": tr.ToStageID,
	}); err != nil {
		return domain.TransitionRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionRule{}, err
	}
	return tr, nil
}

// CreateJob creates a job and places it on the company's lowest
// sequence_order stage when no stage is given.
func (e Engine) CreateJob(ctx context.Context, companyID, jobID, title, stageID, actorID string) (domain.Job, error) {
	if title == "" {
		return domain.Job{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		return domain.Job{}, err
	}
	if jobID == "" {
		jobID = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	j := domain.Job{
		ID:        jobID,
		CompanyID: companyID,
		Title:     title,
		CreatedAt: now,
	}

	var entry *domain.Stage
	if stageID != "" {
		s, err := e.Repo.GetStage(ctx, stageID)
		if err != nil {
			return domain.Job{}, err
		}
		if s.CompanyID != companyID {
			return domain.Job{}, CrossTenantError{Kind: "stage", ID: s.ID, WantedComp: companyID, GotComp: s.CompanyID}
		}
		entry = &s
	} else {
		s, err := e.Repo.LowestStage(ctx, companyID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, err
		}
		if err == nil {
			entry = &s
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if entry != nil {
		if err := e.Repo.InsertJobState(ctx, tx, domain.JobState{
			JobID:          j.ID,
			CurrentStageID: entry.ID,
			StageEnteredAt: now,
		}); err != nil {
			return domain.Job{}, err
		}
		j.Status = entry.MapsToStatus
	}
	if err := e.Events.Append(ctx, tx, "job.created", companyID, "job", j.ID, actorID, events.EventPayload{"title": j.Title}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint") || strings.Contains(msg, "constraint failed")
}
