// Package provision replaces a company's stage graph with the template from
// stagecraft.yml. Teardown degrades through increasingly conservative
// strategies instead of failing when job history pins the old graph in place.
package provision

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

// Teardown tiers, in escalation order.
const (
	TierDelete  = "delete"
	TierClear   = "clear"
	TierArchive = "archive"
	TierRename  = "rename"
)

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Service {
	return Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

// Report summarizes one provisioning run.
type Report struct {
	RunID            string   `json:"run_id"`
	CompanyID        string   `json:"company_id"`
	Tier             string   `json:"tier"`
	RulesRemoved     int64    `json:"rules_removed"`
	QuestionsRemoved int64    `json:"questions_removed"`
	StagesRemoved    int64    `json:"stages_removed"`
	StagesArchived   int      `json:"stages_archived"`
	StagesRenamed    int      `json:"stages_renamed"`
	StagesCreated    int      `json:"stages_created"`
	QuestionsCreated int      `json:"questions_created"`
	RulesCreated     int      `json:"rules_created"`
	Diagnostics      []string `json:"diagnostics,omitempty"`
}

func (rep *Report) diag(format string, args ...any) {
	rep.Diagnostics = append(rep.Diagnostics, fmt.Sprintf(format, args...))
}

// escalate keeps the report's tier at the highest strategy any entity needed.
func (rep *Report) escalate(tier string) {
	rank := map[string]int{TierDelete: 0, TierClear: 1, TierArchive: 2, TierRename: 3}
	if rank[tier] > rank[rep.Tier] {
		rep.Tier = tier
	}
}

// Apply tears down the company's current graph and rebuilds it from the
// template. The company is created if it does not exist yet. Jobs, responses
// and the audit trail are never touched; when they reference old stages the
// teardown keeps those rows reachable by archiving or renaming instead of
// deleting.
func (s Service) Apply(ctx context.Context, cfg *config.Config, actorID string) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	companyID := cfg.Company.ID
	rep := Report{
		RunID:     uuid.New().String(),
		CompanyID: companyID,
		Tier:      TierDelete,
	}
	now := s.now().UTC().Format(time.RFC3339)

	if _, err := s.Repo.GetCompany(ctx, companyID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return rep, err
		}
		name := cfg.Company.Name
		if name == "" {
			name = companyID
		}
		if err := s.Repo.InsertCompany(ctx, domain.Company{
			ID: companyID, Name: name, Status: "active", CreatedAt: now,
		}); err != nil {
			return rep, err
		}
		rep.diag("company %s created", companyID)
	}

	if err := s.teardown(ctx, companyID, &rep); err != nil {
		return rep, err
	}
	if err := s.rebuild(ctx, cfg, &rep, now); err != nil {
		return rep, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, "company.provisioned", companyID, "company", companyID, actorID, events.EventPayload{
		"run_id":            rep.RunID,
		"tier":              rep.Tier,
		"stages_created":    rep.StagesCreated,
		"questions_created": rep.QuestionsCreated,
		"rules_created":     rep.RulesCreated,
	}); err != nil {
		return rep, err
	}
	return rep, tx.Commit()
}

// teardown clears the active graph. Transition rules always go first: nothing
// references them. Questions and stages are bulk-deleted when history allows
// it; otherwise each surviving entity is handled individually, escalating
// from delete to archive to rename.
func (s Service) teardown(ctx context.Context, companyID string, rep *Report) error {
	n, err := s.Repo.DeleteTransitionRulesForCompany(ctx, companyID)
	if err != nil {
		return fmt.Errorf("delete transition rules: %w", err)
	}
	rep.RulesRemoved = n

	n, err = s.Repo.DeleteQuestionsForCompany(ctx, companyID)
	if err != nil {
		if !isReferentialConflict(err) {
			return fmt.Errorf("delete questions: %w", err)
		}
		rep.escalate(TierClear)
		removed, kept, err := s.clearQuestions(ctx, companyID, rep)
		if err != nil {
			return err
		}
		rep.QuestionsRemoved = removed
		if kept > 0 {
			rep.diag("%d questions kept: responses reference them", kept)
		}
	} else {
		rep.QuestionsRemoved = n
	}

	n, err = s.Repo.DeleteStagesForCompany(ctx, companyID)
	if err != nil {
		if !isReferentialConflict(err) {
			return fmt.Errorf("delete stages: %w", err)
		}
		rep.escalate(TierClear)
		if err := s.clearStages(ctx, companyID, rep); err != nil {
			return err
		}
	} else {
		rep.StagesRemoved = n
	}
	return nil
}

func (s Service) clearQuestions(ctx context.Context, companyID string, rep *Report) (removed, kept int64, err error) {
	stages, err := s.Repo.ListStagesIncludingArchived(ctx, companyID)
	if err != nil {
		return 0, 0, err
	}
	for _, stage := range stages {
		questions, err := s.Repo.ListQuestions(ctx, stage.ID)
		if err != nil {
			return removed, kept, err
		}
		for _, q := range questions {
			if err := s.Repo.DeleteQuestion(ctx, nil, q.ID); err != nil {
				if isReferentialConflict(err) {
					kept++
					continue
				}
				return removed, kept, err
			}
			removed++
		}
	}
	return removed, kept, nil
}

// clearStages handles each stage on its own: delete when unreferenced,
// archive when history pins it, rename out of the active namespace when even
// archiving is blocked.
func (s Service) clearStages(ctx context.Context, companyID string, rep *Report) error {
	stages, err := s.Repo.ListStages(ctx, companyID)
	if err != nil {
		return err
	}
	ts := s.now().UTC().Unix()
	for _, stage := range stages {
		referenced, err := s.Repo.StageReferenced(ctx, stage.ID)
		if err != nil {
			return err
		}
		if !referenced {
			if err := s.Repo.DeleteStage(ctx, nil, stage.ID); err == nil {
				rep.StagesRemoved++
				continue
			} else if !isReferentialConflict(err) {
				return err
			}
			// A reference appeared between the probe and the delete;
			// fall through to archive.
		}
		if err := s.Repo.ArchiveStage(ctx, stage.ID); err == nil {
			rep.escalate(TierArchive)
			rep.StagesArchived++
			continue
		}
		renamed := fmt.Sprintf("zz-%d--%s", ts, stage.Name)
		if err := s.Repo.RenameStage(ctx, stage.ID, renamed, renameOrderOffset); err != nil {
			return fmt.Errorf("stage %s: delete, archive and rename all failed: %w", stage.ID, err)
		}
		rep.escalate(TierRename)
		rep.StagesRenamed++
		rep.diag("stage %s renamed to %s", stage.ID, renamed)
	}
	return nil
}

const renameOrderOffset = 100000

// rebuild creates the template graph in two passes inside one transaction:
// stages and questions first to resolve symbolic orders and keys into ids,
// then the transition edges. Ids are derived from the run id so a template can
// be re-applied without colliding with archived remnants of earlier runs.
func (s Service) rebuild(ctx context.Context, cfg *config.Config, rep *Report, now string) error {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte("stagecraft/"+cfg.Company.ID+"/"+rep.RunID))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stageIDs := map[int]string{}
	for _, spec := range cfg.Template.Stages {
		stageType := spec.Type
		if stageType == "" {
			stageType = domain.StageTypeStandard
		}
		st := domain.Stage{
			ID:               uuid.NewSHA1(ns, []byte(fmt.Sprintf("stage/%d", spec.Order))).String(),
			CompanyID:        cfg.Company.ID,
			Name:             spec.Name,
			SequenceOrder:    spec.Order,
			StageType:        stageType,
			MapsToStatus:     spec.MapsToStatus,
			Color:            spec.Color,
			MinDurationHours: spec.MinDurationHours,
			MaxDurationHours: spec.MaxDurationHours,
			RequiresApproval: spec.RequiresApproval,
			CreatedAt:        now,
		}
		if err := s.Repo.InsertStage(ctx, tx, st); err != nil {
			return fmt.Errorf("stage %s: %w", spec.Name, err)
		}
		stageIDs[spec.Order] = st.ID
		rep.StagesCreated++
	}

	questionIDs := map[string]string{}
	for i, spec := range cfg.Template.Questions {
		order := spec.Order
		if order < 1 {
			order = i + 1
		}
		q := domain.Question{
			ID:              uuid.NewSHA1(ns, []byte("question/"+spec.Key)).String(),
			StageID:         stageIDs[spec.StageOrder],
			Prompt:          spec.Prompt,
			ResponseType:    spec.ResponseType,
			IsRequired:      spec.Required,
			ResponseOptions: spec.Options,
			SequenceOrder:   order,
			CreatedAt:       now,
		}
		if err := s.Repo.InsertQuestion(ctx, tx, q); err != nil {
			return fmt.Errorf("question %s: %w", spec.Key, err)
		}
		questionIDs[spec.Key] = q.ID
		rep.QuestionsCreated++
	}

	ruleBase := s.now().UTC()
	for i, spec := range cfg.Template.Transitions {
		fromID, toID := stageIDs[spec.FromOrder], stageIDs[spec.ToOrder]
		if fromID == toID {
			// Validation rejects these; re-check since ids were just minted.
			rep.diag("transition %d skipped: resolves to self-transition on stage order %d", i, spec.FromOrder)
			continue
		}
		tr := domain.TransitionRule{
			ID:                    uuid.NewSHA1(ns, []byte(fmt.Sprintf("rule/%d", i))).String(),
			FromStageID:           fromID,
			ToStageID:             toID,
			QuestionID:            questionIDs[spec.Question],
			TriggerResponse:       spec.Trigger,
			NumericOperator:       spec.Operator,
			NumericValue:          spec.Value,
			NumericValueMax:       spec.ValueMax,
			IsAutomatic:           spec.Automatic,
			RequiresAdminOverride: spec.RequiresAdminOverride,
			// Spread creation timestamps so evaluation tie-break order
			// follows template order even at one-second resolution.
			CreatedAt: ruleBase.Add(time.Duration(i) * time.Millisecond).Format(domain.TimestampNano),
		}
		if err := s.Repo.InsertTransitionRule(ctx, tx, tr); err != nil {
			return fmt.Errorf("transition %d: %w", i, err)
		}
		rep.RulesCreated++
	}
	return tx.Commit()
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// isReferentialConflict classifies driver errors caused by history rows
// still pointing at the entity being deleted.
func isReferentialConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint") || strings.Contains(msg, "constraint failed")
}
