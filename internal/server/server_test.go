package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stagecraft/internal/config"
	"stagecraft/internal/db"
	"stagecraft/internal/domain"
	"stagecraft/internal/engine"
	"stagecraft/internal/migrate"
	"stagecraft/internal/provision"
)

const testCompany = "acme"
const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testCompany)

	svc := provision.New(conn)
	svc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := svc.Apply(context.Background(), cfg, "test-setup"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:    e,
		Provision: svc,
		BasePath:  "/v0",
		Auth: AuthConfig{
			JWTSecret:             testSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func listStages(t *testing.T, srv *testServer) []domain.Stage {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/companies/"+testCompany+"/stages", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list stages: %d %s", res.StatusCode, string(data))
	}
	var stages []domain.Stage
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal stages: %v", err)
	}
	return stages
}

func stageByOrder(t *testing.T, srv *testServer, order int) domain.Stage {
	t.Helper()
	for _, s := range listStages(t, srv) {
		if s.SequenceOrder == order {
			return s
		}
	}
	t.Fatalf("no stage with order %d", order)
	return domain.Stage{}
}

func questionOnStage(t *testing.T, srv *testServer, stageID string) domain.Question {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/"+stageID+"/questions", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list questions: %d %s", res.StatusCode, string(data))
	}
	var qs []domain.Question
	_ = json.Unmarshal(data, &qs)
	if len(qs) == 0 {
		t.Fatalf("no question on stage %s", stageID)
	}
	return qs[0]
}

func createJobAt(t *testing.T, srv *testServer, stageID string) JobResponse {
	t.Helper()
	body := map[string]any{"title": "Bathroom remodel"}
	if stageID != "" {
		body["stage_id"] = stageID
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/companies/"+testCompany+"/jobs", body, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", res.StatusCode, string(data))
	}
	var jr JobResponse
	if err := json.Unmarshal(data, &jr); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	return jr
}

func devLogin(t *testing.T, srv *testServer, userID string, roles []string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": userID,
		"roles":   roles,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	_ = json.Unmarshal(data, &out)
	if out.Token == "" {
		t.Fatalf("empty token: %s", string(data))
	}
	return out.Token
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/companies", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}

func TestSubmitResponseDrivesTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stage2 := stageByOrder(t, srv, 2)
	stage3 := stageByOrder(t, srv, 3)
	q := questionOnStage(t, srv, stage2.ID)
	job := createJobAt(t, srv, stage2.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.Job.ID+"/responses", map[string]any{
		"question_id": q.ID,
		"value":       "Yes",
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var out SubmitResponseResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Response.NormalizedValue != "yes" {
		t.Fatalf("normalized %q, want yes", out.Response.NormalizedValue)
	}
	if out.Result == nil || out.Result.Status != "applied" {
		t.Fatalf("result %+v, want applied", out.Result)
	}
	if out.Result.State.CurrentStageID != stage3.ID {
		t.Fatalf("moved to %s, want %s", out.Result.State.CurrentStageID, stage3.ID)
	}

	// The job view and audit trail reflect the move.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.Job.ID, nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", res.StatusCode, string(data))
	}
	var fetched JobResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Stage == nil || fetched.Stage.ID != stage3.ID {
		t.Fatalf("job stage %+v, want %s", fetched.Stage, stage3.ID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.Job.ID+"/audit", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", res.StatusCode, string(data))
	}
	var audit []domain.AuditEntry
	_ = json.Unmarshal(data, &audit)
	if len(audit) != 1 || !audit[0].AppliedAutomatically {
		t.Fatalf("audit %+v, want one automatic entry", audit)
	}
}

func TestSubmitInvalidValueReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stage2 := stageByOrder(t, srv, 2)
	q := questionOnStage(t, srv, stage2.ID)
	job := createJobAt(t, srv, stage2.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.Job.ID+"/responses", map[string]any{
		"question_id": q.ID,
		"value":       "maybe",
	}, asUser("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code %q, want validation_failed: %s", envelope.Error.Code, string(data))
	}
}

func TestEvaluateDryRunDoesNotMoveJob(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stage2 := stageByOrder(t, srv, 2)
	q := questionOnStage(t, srv, stage2.ID)
	job := createJobAt(t, srv, stage2.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.Job.ID+"/evaluate", map[string]any{
		"question_id": q.ID,
		"value":       "yes",
	}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate: %d %s", res.StatusCode, string(data))
	}
	var d DecisionResponse
	_ = json.Unmarshal(data, &d)
	if d.Outcome != "matched" {
		t.Fatalf("outcome %q, want matched", d.Outcome)
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.Job.ID, nil, asUser("tester"))
	var fetched JobResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.State == nil || fetched.State.CurrentStageID != stage2.ID {
		t.Fatalf("job moved on dry run: %+v", fetched.State)
	}
}

func TestPendingApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stage9 := stageByOrder(t, srv, 9)
	stage7 := stageByOrder(t, srv, 7)
	q := questionOnStage(t, srv, stage9.ID)
	job := createJobAt(t, srv, stage9.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.Job.ID+"/responses", map[string]any{
		"question_id": q.ID,
		"value":       "Failed",
	}, asUser("crew-lead"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var out SubmitResponseResponse
	_ = json.Unmarshal(data, &out)
	if out.Result == nil || out.Result.Status != "pending" || out.Result.Pending == nil {
		t.Fatalf("result %+v, want pending", out.Result)
	}
	pendingID := out.Result.Pending.ID

	// Pending rows are listed against the job.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.Job.ID+"/pending", nil, asUser("crew-lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list pending: %d %s", res.StatusCode, string(data))
	}
	var pending []domain.PendingTransition
	_ = json.Unmarshal(data, &pending)
	if len(pending) != 1 || pending[0].ID != pendingID {
		t.Fatalf("pending %+v, want the parked transition", pending)
	}

	// Non-admin approval is forbidden.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pending/"+pendingID+"/approve", nil, asUser("crew-lead"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin approve: %d %s", res.StatusCode, string(data))
	}

	// Admin JWT approves and the job moves back to In Progress.
	token := devLogin(t, srv, "owner", []string{"admin"})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pending/"+pendingID+"/approve", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin approve: %d %s", res.StatusCode, string(data))
	}
	var applied ApplyResponse
	_ = json.Unmarshal(data, &applied)
	if applied.Status != "applied" || applied.State.CurrentStageID != stage7.ID {
		t.Fatalf("approve result %+v, want applied to %s", applied, stage7.ID)
	}

	// A second approval conflicts: the row is already resolved.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pending/"+pendingID+"/approve", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second approve: %d %s", res.StatusCode, string(data))
	}
}

func TestAdminJWTIdentity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := devLogin(t, srv, "owner", []string{"admin"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "owner" || !me.Admin {
		t.Fatalf("me %+v, want admin owner", me)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"user_id": "robot",
		"name":    "ci",
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if key.Key == "" {
		t.Fatalf("raw key missing from creation response")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "robot" || me.Admin {
		t.Fatalf("me %+v, want non-admin robot", me)
	}

	// Listing never exposes raw keys.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/keys?user_id=robot", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	_ = json.Unmarshal(data, &keys)
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("keys %+v, want one entry without raw key", keys)
	}
}

func TestProvisionEndpointBuildsGraph(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/companies/newco/provision", map[string]any{}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("provision: %d %s", res.StatusCode, string(data))
	}
	var out ProvisionResponse
	_ = json.Unmarshal(data, &out)
	if out.Report.StagesCreated != 12 || out.Report.Tier != "delete" {
		t.Fatalf("report %+v, want 12 stages at delete tier", out.Report)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/companies/newco/stages", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list stages: %d %s", res.StatusCode, string(data))
	}
	var stages []domain.Stage
	_ = json.Unmarshal(data, &stages)
	if len(stages) != 12 {
		t.Fatalf("stages %d, want 12", len(stages))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		createJobAt(t, srv, "")
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/companies/"+testCompany+"/events?limit=2", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 {
		t.Fatalf("items %d, want 2", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}
}

func TestStageGraphManagementOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// Build a small custom branch: a new stage plus an edge into it.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/companies/"+testCompany+"/stages", map[string]any{
		"name":           "Warranty Visit",
		"sequence_order": 99,
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage: %d %s", res.StatusCode, string(data))
	}
	var created domain.Stage
	_ = json.Unmarshal(data, &created)

	stage11 := stageByOrder(t, srv, 11)
	q := questionOnStage(t, srv, stage11.ID)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage11.ID+"/rules", map[string]any{
		"to_stage_id":      created.ID,
		"question_id":      q.ID,
		"trigger_response": "no",
	}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	// Self-transitions are rejected at the API boundary.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/"+stage11.ID+"/rules", map[string]any{
		"to_stage_id":      stage11.ID,
		"question_id":      q.ID,
		"trigger_response": "no",
	}, asUser("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("self rule: %d %s, want 422", res.StatusCode, string(data))
	}

	// Deleting the fresh stage works outright; the rule pointing at it goes
	// first.
	var rules []domain.TransitionRule
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/"+stage11.ID+"/rules", nil, asUser("tester"))
	_ = json.Unmarshal(data, &rules)
	for _, r := range rules {
		if r.ToStageID == created.ID {
			res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/rules/"+r.ID, nil, asUser("tester"))
			if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
				t.Fatalf("delete rule: %d %s", res.StatusCode, string(data))
			}
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/stages/"+created.ID, nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete stage: %d %s", res.StatusCode, string(data))
	}
	var deleted DeleteStageResponse
	_ = json.Unmarshal(data, &deleted)
	if deleted.Strategy != "deleted" {
		t.Fatalf("strategy %q, want deleted", deleted.Strategy)
	}
}

func TestQuestionAndRuleUpdatesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	stage2 := stageByOrder(t, srv, 2)
	q := questionOnStage(t, srv, stage2.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/questions/"+q.ID, map[string]any{
		"prompt": "Estimate delivered to customer?",
	}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update question: %d %s", res.StatusCode, string(data))
	}
	var updated domain.Question
	_ = json.Unmarshal(data, &updated)
	if updated.Prompt != "Estimate delivered to customer?" {
		t.Fatalf("prompt %q not updated", updated.Prompt)
	}

	var rules []domain.TransitionRule
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages/"+stage2.ID+"/rules", nil, asUser("tester"))
	_ = json.Unmarshal(data, &rules)
	if len(rules) == 0 {
		t.Fatalf("no rules on stage 2")
	}

	// Redirecting an edge back at its own from stage is rejected.
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/rules/"+rules[0].ID, map[string]any{
		"to_stage_id": stage2.ID,
	}, asUser("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("self rule update: %d %s, want 422", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/rules/"+rules[0].ID, map[string]any{
		"trigger_response": "absolutely",
	}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update rule: %d %s", res.StatusCode, string(data))
	}
	var rule domain.TransitionRule
	_ = json.Unmarshal(data, &rule)
	if rule.TriggerResponse == nil || *rule.TriggerResponse != "absolutely" {
		t.Fatalf("trigger %+v, want absolutely", rule.TriggerResponse)
	}
}
