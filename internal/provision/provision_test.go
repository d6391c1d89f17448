package provision_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"stagecraft/internal/config"
	"stagecraft/internal/db"
	"stagecraft/internal/domain"
	"stagecraft/internal/engine"
	"stagecraft/internal/migrate"
	"stagecraft/internal/provision"
	"stagecraft/internal/repo"
)

const testCompany = "acme"

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newService(conn *sql.DB) provision.Service {
	svc := provision.New(conn)
	svc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestFreshApplyBuildsDefaultGraph(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	ctx := context.Background()
	cfg := config.Default(testCompany)

	rep, err := svc.Apply(ctx, cfg, "setup")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rep.Tier != provision.TierDelete {
		t.Fatalf("tier %q, want delete", rep.Tier)
	}
	if rep.StagesCreated != 12 || rep.QuestionsCreated != 10 || rep.RulesCreated != 10 {
		t.Fatalf("created %d/%d/%d, want 12/10/10", rep.StagesCreated, rep.QuestionsCreated, rep.RulesCreated)
	}

	r := repo.Repo{DB: conn}
	stages, err := r.ListStages(ctx, testCompany)
	if err != nil || len(stages) != 12 {
		t.Fatalf("active stages %d (err %v), want 12", len(stages), err)
	}
	// Listing is ordered by sequence.
	for i, s := range stages {
		if s.SequenceOrder != i+1 {
			t.Fatalf("stage %d has order %d", i, s.SequenceOrder)
		}
	}
	if _, err := r.GetCompany(ctx, testCompany); err != nil {
		t.Fatalf("company not created: %v", err)
	}
}

func TestReapplyWithoutHistoryStaysAtDeleteTier(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	ctx := context.Background()
	cfg := config.Default(testCompany)

	if _, err := svc.Apply(ctx, cfg, "setup"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	rep, err := svc.Apply(ctx, cfg, "setup")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if rep.Tier != provision.TierDelete {
		t.Fatalf("tier %q, want delete", rep.Tier)
	}
	if rep.RulesRemoved != 10 || rep.QuestionsRemoved != 10 || rep.StagesRemoved != 12 {
		t.Fatalf("removed %d/%d/%d, want 10/10/12", rep.RulesRemoved, rep.QuestionsRemoved, rep.StagesRemoved)
	}

	r := repo.Repo{DB: conn}
	all, err := r.ListStagesIncludingArchived(ctx, testCompany)
	if err != nil || len(all) != 12 {
		t.Fatalf("total stages %d (err %v), want 12 with no remnants", len(all), err)
	}
}

func TestReapplyWithJobHistoryArchivesPinnedStage(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	ctx := context.Background()
	cfg := config.Default(testCompany)

	if _, err := svc.Apply(ctx, cfg, "setup"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = svc.Now
	if _, err := eng.CreateJob(ctx, testCompany, "", "Gutter clean", "", "tester"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	rep, err := svc.Apply(ctx, cfg, "setup")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if rep.Tier != provision.TierArchive {
		t.Fatalf("tier %q, want archive", rep.Tier)
	}
	if rep.StagesArchived != 1 || rep.StagesRemoved != 11 {
		t.Fatalf("archived %d removed %d, want 1/11", rep.StagesArchived, rep.StagesRemoved)
	}

	r := repo.Repo{DB: conn}
	active, err := r.ListStages(ctx, testCompany)
	if err != nil || len(active) != 12 {
		t.Fatalf("active stages %d (err %v), want 12", len(active), err)
	}
	all, _ := r.ListStagesIncludingArchived(ctx, testCompany)
	if len(all) != 13 {
		t.Fatalf("total stages %d, want 13 (12 new + 1 archived)", len(all))
	}
}

func TestReapplyKeepsQuestionsWithResponses(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	ctx := context.Background()
	cfg := config.Default(testCompany)

	if _, err := svc.Apply(ctx, cfg, "setup"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	r := repo.Repo{DB: conn}
	eng := engine.New(conn, cfg)
	eng.Now = svc.Now

	// Park a job on stage 2 and answer its question: the response pins the
	// question, the job state pins the stage.
	stages, err := r.ListStages(ctx, testCompany)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	var stage2 domain.Stage
	for _, s := range stages {
		if s.SequenceOrder == 2 {
			stage2 = s
		}
	}
	j, err := eng.CreateJob(ctx, testCompany, "", "Tile job", stage2.ID, "tester")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	qs, err := r.ListQuestions(ctx, stage2.ID)
	if err != nil || len(qs) != 1 {
		t.Fatalf("questions on stage 2: %d (err %v)", len(qs), err)
	}
	if _, err := eng.SubmitResponse(ctx, j.ID, qs[0].ID, "no", domain.Actor{ID: "tester"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rep, err := svc.Apply(ctx, cfg, "setup")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if rep.Tier != provision.TierArchive {
		t.Fatalf("tier %q, want archive", rep.Tier)
	}
	if rep.QuestionsRemoved != 9 {
		t.Fatalf("questions removed %d, want 9", rep.QuestionsRemoved)
	}
	kept := false
	for _, d := range rep.Diagnostics {
		if strings.Contains(d, "questions kept") {
			kept = true
		}
	}
	if !kept {
		t.Fatalf("expected kept-questions diagnostic, got %v", rep.Diagnostics)
	}

	// The answered question and its stage survive for the history views.
	if _, err := r.GetQuestion(ctx, qs[0].ID); err != nil {
		t.Fatalf("pinned question gone: %v", err)
	}
	s, err := r.GetStage(ctx, stage2.ID)
	if err != nil || !s.Archived {
		t.Fatalf("pinned stage %+v (err %v), want archived", s, err)
	}

	// The rebuilt graph is complete regardless.
	active, _ := r.ListStages(ctx, testCompany)
	if len(active) != 12 {
		t.Fatalf("active stages %d, want 12", len(active))
	}
}

func TestRuleEvaluationOrderFollowsTemplateOrder(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	ctx := context.Background()

	// Two rules on the same trigger value; the template's first one must win.
	cfg := config.Default(testCompany)
	cfg.Template = config.Template{
		Stages: []config.StageSpec{
			{Name: "A", Order: 1},
			{Name: "B", Order: 2},
			{Name: "C", Order: 3},
		},
		Questions: []config.QuestionSpec{
			{Key: "go", StageOrder: 1, Prompt: "Go?", ResponseType: "yes_no"},
		},
		Transitions: []config.TransitionSpec{
			{FromOrder: 1, ToOrder: 2, Question: "go", Trigger: strPtr("yes")},
			{FromOrder: 1, ToOrder: 3, Question: "go", Operator: strPtr("gte"), Value: floatPtr(0)},
		},
	}
	if _, err := svc.Apply(ctx, cfg, "setup"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r := repo.Repo{DB: conn}
	stages, _ := r.ListStages(ctx, testCompany)
	rules, err := r.ListTransitionRules(ctx, stages[0].ID)
	if err != nil || len(rules) != 2 {
		t.Fatalf("rules %d (err %v), want 2", len(rules), err)
	}
	if rules[0].TriggerResponse == nil || *rules[0].TriggerResponse != "yes" {
		t.Fatalf("first rule %+v, want the template's first transition", rules[0])
	}
	if rules[1].NumericOperator == nil {
		t.Fatalf("second rule %+v, want the template's numeric transition", rules[1])
	}
	// The stored timestamps themselves must sort the same way: the spread
	// uses a fixed-width layout so text order equals time order.
	if !(rules[0].CreatedAt < rules[1].CreatedAt) {
		t.Fatalf("created_at %q !< %q", rules[0].CreatedAt, rules[1].CreatedAt)
	}
}

func TestApplyRejectsInvalidTemplate(t *testing.T) {
	conn := newTestDB(t)
	svc := newService(conn)
	cfg := config.Default(testCompany)
	cfg.Template.Transitions[0].ToOrder = cfg.Template.Transitions[0].FromOrder

	if _, err := svc.Apply(context.Background(), cfg, "setup"); err == nil {
		t.Fatalf("expected validation failure for self-transition")
	}
	// Nothing half-built.
	r := repo.Repo{DB: conn}
	stages, _ := r.ListStages(context.Background(), testCompany)
	if len(stages) != 0 {
		t.Fatalf("stages created despite invalid template: %d", len(stages))
	}
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
